package chat

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
)

var (
	// errors
	ErrNotFound         = errors.New("conversation or message not found")
	ErrNotAParticipant  = errors.New("sender is not a participant of this conversation")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrForbidden        = errors.New("not allowed to access this conversation")
	ErrDuplicateConvers = errors.New("a conversation for this pair already exists")
)

const DefaultPageSize = 50

type (
	Repository interface {
		// GetConversationByPair looks a conversation up by its identity
		// (tenant, unordered participant pair, student). ErrNotFound if absent.
		GetConversationByPair(ctx context.Context, tenantID, a, b, studentID string) (Conversation, error)
		// CreateConversation fails with ErrDuplicateConvers when an identical
		// pair+student conversation was created concurrently (unique index).
		CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
		GetConversation(ctx context.Context, id string) (Conversation, error)
		QueryConversations(ctx context.Context, tenantID, userID string) ([]Conversation, error)

		// CreateMessage persists the message and bumps the conversation's
		// LastMessageAt to the message's CreatedAt in the same transaction.
		CreateMessage(ctx context.Context, msg Message) (Message, error)
		GetMessage(ctx context.Context, id string) (Message, error)
		// GetConversationMessages returns the subset of ids that belong to the
		// conversation; unknown ids are skipped, not an error.
		GetConversationMessages(ctx context.Context, conversationID string, ids []string) ([]Message, error)
		// QueryMessages pages reverse-chronologically; `before` bounds
		// CreatedAt exclusively when non-zero.
		QueryMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)
		// AdvanceMessageStatus atomically moves the message's status forward
		// to `to`, stamping DeliveredAt/ReadAt at most once. The compare-and-
		// advance happens against the stored row, never a caller snapshot, so
		// a stale delivered transition can never overwrite read. Returns the
		// stored message and whether it transitioned; ErrNotFound if absent.
		AdvanceMessageStatus(ctx context.Context, id string, to Status, now time.Time) (Message, bool, error)
		CountUnread(ctx context.Context, conversationID, userID string) (int, error)
		// LastMessage returns the newest message or ErrNotFound when the
		// conversation has none yet.
		LastMessage(ctx context.Context, conversationID string) (Message, error)
	}

	// Service owns conversations and messages and all status transitions.
	// It is the single source of truth; clients treat their caches as
	// provisional until resynced against it.
	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// StartConversation returns the conversation between a and b about studentID,
// creating it if needed. Duplicate creation (including a concurrent race on
// the unique index) intentionally resolves to the existing conversation
// instead of an error.
func (svc *Service) StartConversation(ctx context.Context, tenantID, a, b, studentID string) (Conversation, error) {
	if a == "" || b == "" || a == b {
		return Conversation{}, core.NewValidationError(errors.New("a conversation needs two distinct participants"))
	}

	conv, err := svc.repo.GetConversationByPair(ctx, tenantID, a, b, studentID)
	if err == nil {
		return conv, nil
	}
	if errors.Cause(err) != ErrNotFound {
		return Conversation{}, errors.Wrap(err, "looking up conversation pair")
	}

	conv = Conversation{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Participant1ID: a,
		Participant2ID: b,
		StudentID:      studentID,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := svc.repo.CreateConversation(ctx, conv)
	if err != nil {
		if errors.Cause(err) == ErrDuplicateConvers {
			// lost the creation race; the winner's row is the conversation
			return svc.repo.GetConversationByPair(ctx, tenantID, a, b, studentID)
		}
		return Conversation{}, errors.Wrap(err, "creating conversation")
	}
	return created, nil
}

// SendMessage validates and appends a message. Nothing is persisted when
// validation fails.
func (svc *Service) SendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	content = core.CleanString(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, ErrNotAParticipant
	}

	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Status:         StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	return svc.repo.CreateMessage(ctx, msg)
}

// MarkDelivered stamps DeliveredAt once. Re-delivery of an already delivered
// or read message is a no-op.
func (svc *Service) MarkDelivered(ctx context.Context, messageID string) error {
	_, _, err := svc.repo.AdvanceMessageStatus(ctx, messageID, StatusDelivered, time.Now().UTC())
	return err
}

// MarkRead marks the given messages read on behalf of readerID and returns the
// messages that actually transitioned. Messages authored by the reader, or
// outside the conversation, are skipped. Repeat calls converge on the same
// state and return nothing.
func (svc *Service) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]Message, error) {
	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotAParticipant
	}

	msgs, err := svc.repo.GetConversationMessages(ctx, conversationID, messageIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var affected []Message
	for _, msg := range msgs {
		if msg.SenderID == readerID {
			continue
		}
		updated, changed, err := svc.repo.AdvanceMessageStatus(ctx, msg.ID, StatusRead, now)
		if err != nil {
			return affected, errors.Wrap(err, "advancing message status")
		}
		if changed {
			affected = append(affected, updated)
		}
	}
	return affected, nil
}

// ListConversations returns the user's conversations annotated with unread
// counts and last message, newest activity first; conversations that never
// saw a message sort last.
func (svc *Service) ListConversations(ctx context.Context, tenantID, userID string) ([]ConversationSummary, error) {
	convs, err := svc.repo.QueryConversations(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		unread, err := svc.repo.CountUnread(ctx, conv.ID, userID)
		if err != nil {
			return nil, errors.Wrap(err, "counting unread")
		}
		summary := ConversationSummary{Conversation: conv, UnreadCount: unread}
		if last, err := svc.repo.LastMessage(ctx, conv.ID); err == nil {
			summary.LastMessage = &last
		} else if errors.Cause(err) != ErrNotFound {
			return nil, errors.Wrap(err, "fetching last message")
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ti, tj := summaries[i].LastMessageAt, summaries[j].LastMessageAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return summaries, nil
}

// ListMessages pages a conversation reverse-chronologically for
// infinite-scroll consumption. userID must be a participant.
func (svc *Service) ListMessages(ctx context.Context, conversationID, userID string, limit int, before time.Time) ([]Message, error) {
	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = DefaultPageSize
	}
	return svc.repo.QueryMessages(ctx, conversationID, limit, before)
}

// GetConversation fetches a conversation, enforcing participant access.
func (svc *Service) GetConversation(ctx context.Context, conversationID, userID string) (Conversation, error) {
	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, ErrForbidden
	}
	return conv, nil
}
