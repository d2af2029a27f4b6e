// Package outbox replays actions captured while offline. Actions drain
// strictly in the order they were taken: a transient failure halts the drain
// so later actions never overtake earlier ones, while a definitive server
// rejection drops the action and surfaces it rather than blocking the queue
// forever.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/client/localdb"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
)

const defaultCallTimeout = 15 * time.Second

type (
	// Store is the durable queue backing the outbox.
	Store interface {
		EnqueueAction(localdb.Action) error
		PendingActions() ([]localdb.Action, error)
		DeleteAction(id string) error
		MarkActionFailed(id, errMsg string) error
		BumpActionRetries(id string) error
		PendingCount() (int, error)
	}

	// Sender performs the server calls an action replays into.
	Sender interface {
		SendMessage(ctx context.Context, conversationID, content, clientRef string) (chat.Message, error)
		MarkRead(ctx context.Context, conversationID string, messageIDs []string) ([]chat.Message, error)
	}

	// Queue drains the durable store through a Sender, one action at a time.
	Queue struct {
		store   Store
		sender  Sender
		logger  core.Logger
		timeout time.Duration

		// OnConfirmed is called after the server accepts a send_message
		// action, with the authoritative message.
		OnConfirmed func(action localdb.Action, msg chat.Message)
		// OnRead is called after the server accepts a mark_read action.
		OnRead func(action localdb.Action, msgs []chat.Message)
		// OnRejected is called when the server definitively refuses an
		// action; the action has already been dropped from the queue.
		OnRejected func(action localdb.Action, err error)

		draining chan struct{}
	}
)

func NewQueue(store Store, sender Sender, logger core.Logger) *Queue {
	return &Queue{
		store:    store,
		sender:   sender,
		logger:   logger,
		timeout:  defaultCallTimeout,
		draining: make(chan struct{}, 1),
	}
}

// SendMessage queues a message send and returns the action recorded for it.
// The action ID doubles as the client reference sent to the server.
func (q *Queue) SendMessage(conversationID, content string) (localdb.Action, error) {
	action := localdb.Action{
		ID:             uuid.New().String(),
		Kind:           localdb.ActionSendMessage,
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	return action, q.store.EnqueueAction(action)
}

// MarkRead queues a read receipt for the given messages.
func (q *Queue) MarkRead(conversationID string, messageIDs []string) (localdb.Action, error) {
	action := localdb.Action{
		ID:             uuid.New().String(),
		Kind:           localdb.ActionMarkRead,
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		CreatedAt:      time.Now().UTC(),
	}
	return action, q.store.EnqueueAction(action)
}

// Pending reports how many actions await replay.
func (q *Queue) Pending() (int, error) {
	return q.store.PendingCount()
}

// Drain replays pending actions oldest first. It is single-flight: a call
// that finds a drain already running returns immediately. Returns the number
// of actions the server accepted.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	select {
	case q.draining <- struct{}{}:
	default:
		return 0, nil
	}
	defer func() { <-q.draining }()

	actions, err := q.store.PendingActions()
	if err != nil {
		return 0, err
	}

	done := 0
	for _, action := range actions {
		if err := q.replay(ctx, action); err != nil {
			if !isDefinitive(err) {
				// still unreachable; keep order, try again later
				if bumpErr := q.store.BumpActionRetries(action.ID); bumpErr != nil {
					q.logger.Error("bumping retries", bumpErr)
				}
				return done, errors.Wrap(err, "replaying action")
			}
			// the server said no; retrying will never help
			if failErr := q.store.MarkActionFailed(action.ID, err.Error()); failErr != nil {
				return done, failErr
			}
			if q.OnRejected != nil {
				q.OnRejected(action, err)
			}
			continue
		}
		if err := q.store.DeleteAction(action.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (q *Queue) replay(ctx context.Context, action localdb.Action) error {
	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	switch action.Kind {
	case localdb.ActionSendMessage:
		msg, err := q.sender.SendMessage(callCtx, action.ConversationID, action.Content, action.ID)
		if err != nil {
			return err
		}
		if q.OnConfirmed != nil {
			q.OnConfirmed(action, msg)
		}
	case localdb.ActionMarkRead:
		msgs, err := q.sender.MarkRead(callCtx, action.ConversationID, action.MessageIDs)
		if err != nil {
			return err
		}
		if q.OnRead != nil {
			q.OnRead(action, msgs)
		}
	default:
		return errors.Errorf("unknown action kind %q", action.Kind)
	}
	return nil
}

// definitive failures are the server refusing the action itself, as opposed
// to the server being unreachable.
type definitive interface {
	Definitive() bool
}

func isDefinitive(err error) bool {
	d, ok := errors.Cause(err).(definitive)
	return ok && d.Definitive()
}
