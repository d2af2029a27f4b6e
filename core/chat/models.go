package chat

import (
	"time"
)

// Message delivery statuses. A message only ever moves forward:
// sent -> delivered -> read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s Status) rank() int { return statusRank[s] }

type (
	// Conversation is a private thread between exactly two participants,
	// optionally framed around a student. Participants are fixed at creation.
	Conversation struct {
		ID             string     `json:"id"`
		TenantID       string     `json:"tenant_id"`
		Participant1ID string     `json:"participant1_id"`
		Participant2ID string     `json:"participant2_id"`
		StudentID      string     `json:"student_id,omitempty"`
		LastMessageAt  *time.Time `json:"last_message_at"` // nil until the first message
		CreatedAt      time.Time  `json:"created_at"`      // UTC
	}

	Message struct {
		ID             string     `json:"id"`
		ConversationID string     `json:"conversation_id"`
		SenderID       string     `json:"sender_id"`
		Content        string     `json:"content"`
		Status         Status     `json:"status"`
		CreatedAt      time.Time  `json:"created_at"` // UTC, authoritative ordering
		DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
		ReadAt         *time.Time `json:"read_at,omitempty"`
	}

	// ConversationSummary annotates a conversation for list views.
	ConversationSummary struct {
		Conversation
		UnreadCount int      `json:"unread_count"`
		LastMessage *Message `json:"last_message,omitempty"`
	}
)

// HasParticipant reports whether uid is one of the two fixed participants.
func (c *Conversation) HasParticipant(uid string) bool {
	return uid != "" && (c.Participant1ID == uid || c.Participant2ID == uid)
}

// Peer returns the other participant, or "" if uid is not a participant.
func (c *Conversation) Peer(uid string) string {
	switch uid {
	case c.Participant1ID:
		return c.Participant2ID
	case c.Participant2ID:
		return c.Participant1ID
	}
	return ""
}

// Advance moves the message status forward to `to`, stamping the transition
// timestamps at most once. It never regresses: advancing a read message to
// delivered is a no-op. Reports whether anything changed.
func (m *Message) Advance(to Status, now time.Time) bool {
	if to.rank() <= m.Status.rank() {
		return false
	}
	if m.DeliveredAt == nil && to.rank() >= StatusDelivered.rank() {
		t := now
		m.DeliveredAt = &t
	}
	if m.ReadAt == nil && to == StatusRead {
		t := now
		m.ReadAt = &t
	}
	m.Status = to
	return true
}
