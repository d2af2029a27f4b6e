package dummydb

import (
	"sync"

	"github.com/shulehub/shule/core/chat"
	"github.com/shulehub/shule/core/user"
)

// DB is an in-memory database used in tests and DEV mode.
type (
	DB struct {
		user *userTable
		chat *chatTables
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	chatTables struct {
		sync.RWMutex
		conversations map[string]*chat.Conversation
		messages      map[string]*chat.Message
	}
)

func Open() (*DB, error) {
	db := &DB{
		user: &userTable{table: make(map[string]*user.User)},
		chat: &chatTables{
			conversations: make(map[string]*chat.Conversation),
			messages:      make(map[string]*chat.Message),
		},
	}
	return db, nil
}

// Reset clears all tables. Tests only.
func (db *DB) Reset() {
	db.user.Lock()
	db.user.table = make(map[string]*user.User)
	db.user.Unlock()

	db.chat.Lock()
	db.chat.conversations = make(map[string]*chat.Conversation)
	db.chat.messages = make(map[string]*chat.Message)
	db.chat.Unlock()
}
