// Package sync keeps a device's local state converged with the server across
// connectivity changes. On reconnect it first drains the offline queue, so the
// server timeline receives the user's actions in the order they were taken,
// and only then refreshes the local cache against the server's authoritative
// state.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/apps/api/ws"
	"github.com/shulehub/shule/client/localdb"
	"github.com/shulehub/shule/client/outbox"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
)

const defaultPageSize = 50

// Fetcher reads authoritative state from the server.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]chat.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error)
}

// Controller owns a device's connectivity state machine.
type Controller struct {
	api    Fetcher
	store  *localdb.Store
	queue  *outbox.Queue
	logger core.Logger
	selfID string

	// OnRejected surfaces a queued action the server definitively refused.
	OnRejected func(action localdb.Action, err error)

	PageSize int

	mu      stdsync.Mutex
	online  bool
	syncing bool

	receipts *receiptBuffer
}

func NewController(api Fetcher, store *localdb.Store, queue *outbox.Queue, logger core.Logger, selfID string) *Controller {
	c := &Controller{
		api:      api,
		store:    store,
		queue:    queue,
		logger:   logger,
		selfID:   selfID,
		PageSize: defaultPageSize,
		receipts: newReceiptBuffer(),
	}

	queue.OnConfirmed = c.onConfirmed
	queue.OnRead = c.onRead
	queue.OnRejected = c.onRejected
	return c
}

func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline flips connectivity. The offline->online edge drains the queue and
// then resyncs; repeated calls with the same state are no-ops.
func (c *Controller) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.mu.Unlock()

	if !online {
		return
	}

	// queued actions first so the server sees them in order, then refresh
	if _, err := c.queue.Drain(ctx); err != nil {
		c.logger.Warn("draining outbox", err)
	}
	if err := c.Resync(ctx); err != nil {
		c.logger.Warn("resyncing", err)
	}
}

// SendMessage records the message locally and queues it for the server. The
// provisional cache entry carries the action ID until confirmation swaps it
// for the authoritative message.
func (c *Controller) SendMessage(ctx context.Context, conversationID, content string) (localdb.CachedMessage, error) {
	action, err := c.queue.SendMessage(conversationID, content)
	if err != nil {
		return localdb.CachedMessage{}, errors.Wrap(err, "queueing message")
	}

	provisional := localdb.CachedMessage{
		Message: chat.Message{
			ID:             action.ID,
			ConversationID: conversationID,
			SenderID:       c.selfID,
			Content:        content,
			Status:         chat.StatusSent,
			CreatedAt:      action.CreatedAt,
		},
		Pending: true,
	}
	if err := c.store.PutMessage(provisional); err != nil {
		return localdb.CachedMessage{}, errors.Wrap(err, "caching provisional message")
	}

	if c.Online() {
		go func() {
			if _, err := c.queue.Drain(context.Background()); err != nil {
				c.logger.Warn("draining outbox", err)
			}
		}()
	}
	return provisional, nil
}

// MarkRead records read receipts locally and queues them for the server.
func (c *Controller) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if _, err := c.queue.MarkRead(conversationID, messageIDs); err != nil {
		return errors.Wrap(err, "queueing read receipt")
	}

	now := time.Now().UTC()
	for _, id := range messageIDs {
		msg, ok, err := c.store.GetMessage(id)
		if err != nil || !ok || msg.SenderID == c.selfID {
			continue
		}
		if msg.Status != chat.StatusRead {
			msg.Status = chat.StatusRead
			msg.ReadAt = &now
			if err := c.store.PutMessage(msg); err != nil {
				c.logger.Warn("caching read state", err)
			}
		}
	}

	if c.Online() {
		go func() {
			if _, err := c.queue.Drain(context.Background()); err != nil {
				c.logger.Warn("draining outbox", err)
			}
		}()
	}
	return nil
}

// Resync pulls conversations and their recent messages, replacing the cache's
// view with the server's. Single-flight; a concurrent call returns nil.
func (c *Controller) Resync(ctx context.Context) error {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	summaries, err := c.api.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	if err := c.store.PutConversations(summaries); err != nil {
		return errors.Wrap(err, "caching conversations")
	}

	for _, summary := range summaries {
		msgs, err := c.api.ListMessages(ctx, summary.ID, c.PageSize, time.Time{})
		if err != nil {
			return errors.Wrapf(err, "listing messages of %s", summary.ID)
		}
		for _, msg := range msgs {
			if err := c.applyServerMessage(msg); err != nil {
				return err
			}
		}
	}

	c.flushReceipts()

	if err := c.store.SetValue("last_sync_at", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		c.logger.Warn("recording sync time", err)
	}
	return nil
}

// LastSyncAt reports when the cache last fully converged, zero if never.
func (c *Controller) LastSyncAt() (time.Time, error) {
	raw, err := c.store.GetValue("last_sync_at")
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// HandleEvent applies a realtime event to the local cache. Read receipts for
// messages not yet cached are buffered rather than dropped.
func (c *Controller) HandleEvent(evt ws.ServerEvent) {
	switch evt.Type {
	case ws.EvtMessageReceived:
		if evt.Message == nil {
			return
		}
		if evt.ClientRef != "" {
			// our own send coming back confirmed
			if err := c.store.ReplaceMessage(evt.ClientRef, *evt.Message); err != nil {
				c.logger.Warn("replacing provisional message", err)
			}
			return
		}
		if err := c.applyServerMessage(*evt.Message); err != nil {
			c.logger.Warn("caching message", err)
		}

	case ws.EvtMessageRead:
		if evt.Message == nil {
			return
		}
		msg := *evt.Message
		if _, ok, err := c.store.GetMessage(msg.ID); err == nil && ok {
			if err := c.store.PutMessage(localdb.CachedMessage{Message: msg}); err != nil {
				c.logger.Warn("caching read receipt", err)
			}
		} else {
			c.receipts.add(msg)
		}
	}
}

// BufferedReceipts reports how many read receipts await their message.
func (c *Controller) BufferedReceipts() int {
	return c.receipts.size()
}

// applyServerMessage caches an authoritative message, folding in any receipt
// that arrived ahead of it.
func (c *Controller) applyServerMessage(msg chat.Message) error {
	if buffered, ok := c.receipts.take(msg.ID); ok {
		msg = buffered
	}
	return errors.Wrap(c.store.PutMessage(localdb.CachedMessage{Message: msg}), "caching message")
}

func (c *Controller) flushReceipts() {
	for _, msg := range c.receipts.pending() {
		if _, ok, err := c.store.GetMessage(msg.ID); err == nil && ok {
			if err := c.store.PutMessage(localdb.CachedMessage{Message: msg}); err != nil {
				c.logger.Warn("caching read receipt", err)
				continue
			}
			c.receipts.remove(msg.ID)
		}
	}
}

func (c *Controller) onConfirmed(action localdb.Action, msg chat.Message) {
	if err := c.store.ReplaceMessage(action.ID, msg); err != nil {
		c.logger.Warn("replacing provisional message", err)
	}
}

func (c *Controller) onRead(action localdb.Action, msgs []chat.Message) {
	for _, msg := range msgs {
		if err := c.store.PutMessage(localdb.CachedMessage{Message: msg}); err != nil {
			c.logger.Warn("caching read state", err)
		}
	}
}

func (c *Controller) onRejected(action localdb.Action, err error) {
	// a refused send never materializes; drop the provisional entry
	if action.Kind == localdb.ActionSendMessage {
		if delErr := c.store.DeleteMessage(action.ID); delErr != nil {
			c.logger.Warn("dropping provisional message", delErr)
		}
	}
	c.logger.Warn("action rejected", err)
	if c.OnRejected != nil {
		c.OnRejected(action, err)
	}
}
