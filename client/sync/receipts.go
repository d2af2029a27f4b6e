package sync

import (
	stdsync "sync"

	"github.com/shulehub/shule/core/chat"
)

// receiptBuffer holds read receipts that reference messages the device has
// not seen yet, e.g. a receipt racing ahead of the resync that carries its
// message. Receipts are reapplied once the message lands.
type receiptBuffer struct {
	mu        stdsync.Mutex
	byMessage map[string]chat.Message // messageID -> message as read
}

func newReceiptBuffer() *receiptBuffer {
	return &receiptBuffer{byMessage: make(map[string]chat.Message)}
}

func (b *receiptBuffer) add(msg chat.Message) {
	b.mu.Lock()
	b.byMessage[msg.ID] = msg
	b.mu.Unlock()
}

// take removes and returns the buffered receipt for a message, if any.
func (b *receiptBuffer) take(messageID string) (chat.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.byMessage[messageID]
	if ok {
		delete(b.byMessage, messageID)
	}
	return msg, ok
}

// pending returns currently buffered receipts without draining them.
func (b *receiptBuffer) pending() []chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]chat.Message, 0, len(b.byMessage))
	for _, msg := range b.byMessage {
		msgs = append(msgs, msg)
	}
	return msgs
}

func (b *receiptBuffer) remove(messageID string) {
	b.mu.Lock()
	delete(b.byMessage, messageID)
	b.mu.Unlock()
}

func (b *receiptBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byMessage)
}
