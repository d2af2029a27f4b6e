package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/shulehub/shule/core/chat"
)

type chatRepository struct {
	db *chatTables
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *DB) chat.Repository {
	return &chatRepository{db: db.chat}
}

func pairKeyMatch(conv *chat.Conversation, a, b string) bool {
	return (conv.Participant1ID == a && conv.Participant2ID == b) ||
		(conv.Participant1ID == b && conv.Participant2ID == a)
}

func (repo *chatRepository) GetConversationByPair(_ context.Context, tenantID, a, b, studentID string) (chat.Conversation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, conv := range repo.db.conversations {
		if conv.TenantID == tenantID && conv.StudentID == studentID && pairKeyMatch(conv, a, b) {
			return *conv, nil
		}
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (repo *chatRepository) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	// emulate the unique (tenant, pair, student) index
	for _, existing := range repo.db.conversations {
		if existing.TenantID == conv.TenantID && existing.StudentID == conv.StudentID &&
			pairKeyMatch(existing, conv.Participant1ID, conv.Participant2ID) {
			return chat.Conversation{}, chat.ErrDuplicateConvers
		}
	}
	repo.db.conversations[conv.ID] = &conv
	return conv, nil
}

func (repo *chatRepository) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if conv, ok := repo.db.conversations[id]; ok {
		return *conv, nil
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (repo *chatRepository) QueryConversations(_ context.Context, tenantID, userID string) ([]chat.Conversation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var convs []chat.Conversation
	for _, conv := range repo.db.conversations {
		if conv.TenantID == tenantID && conv.HasParticipant(userID) {
			convs = append(convs, *conv)
		}
	}
	return convs, nil
}

func (repo *chatRepository) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	conv, ok := repo.db.conversations[msg.ConversationID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	repo.db.messages[msg.ID] = &msg
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	return msg, nil
}

func (repo *chatRepository) GetMessage(_ context.Context, id string) (chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if msg, ok := repo.db.messages[id]; ok {
		return *msg, nil
	}
	return chat.Message{}, chat.ErrNotFound
}

func (repo *chatRepository) GetConversationMessages(_ context.Context, conversationID string, ids []string) ([]chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	msgs := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := repo.db.messages[id]; ok && msg.ConversationID == conversationID {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

func (repo *chatRepository) QueryMessages(_ context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var msgs []chat.Message
	for _, msg := range repo.db.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		msgs = append(msgs, *msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (repo *chatRepository) AdvanceMessageStatus(_ context.Context, id string, to chat.Status, now time.Time) (chat.Message, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored, ok := repo.db.messages[id]
	if !ok {
		return chat.Message{}, false, chat.ErrNotFound
	}
	// compare-and-advance against the stored row under the write lock; a
	// caller racing with a later transition sees a no-op, never a regression
	msg := *stored
	if !msg.Advance(to, now) {
		return msg, false, nil
	}
	repo.db.messages[id] = &msg
	return msg, true, nil
}

func (repo *chatRepository) CountUnread(_ context.Context, conversationID, userID string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	count := 0
	for _, msg := range repo.db.messages {
		if msg.ConversationID == conversationID && msg.SenderID != userID && msg.Status != chat.StatusRead {
			count++
		}
	}
	return count, nil
}

func (repo *chatRepository) LastMessage(_ context.Context, conversationID string) (chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var last *chat.Message
	for _, msg := range repo.db.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if last == nil || msg.CreatedAt.After(last.CreatedAt) {
			last = msg
		}
	}
	if last == nil {
		return chat.Message{}, chat.ErrNotFound
	}
	return *last, nil
}
