package outbox_test

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulehub/shule/client/localdb"
	"github.com/shulehub/shule/client/outbox"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
)

type sentCall struct {
	kind      string
	content   string
	clientRef string
	ids       []string
}

// fakeSender scripts per-call outcomes: each queued error is consumed by one
// call, nil meaning success.
type fakeSender struct {
	calls   []sentCall
	scripts []error
}

func (f *fakeSender) nextErr() error {
	if len(f.scripts) == 0 {
		return nil
	}
	err := f.scripts[0]
	f.scripts = f.scripts[1:]
	return err
}

func (f *fakeSender) SendMessage(_ context.Context, conversationID, content, clientRef string) (chat.Message, error) {
	if err := f.nextErr(); err != nil {
		return chat.Message{}, err
	}
	f.calls = append(f.calls, sentCall{kind: "send", content: content, clientRef: clientRef})
	return chat.Message{
		ID:             "srv-" + clientRef,
		ConversationID: conversationID,
		Content:        content,
		Status:         chat.StatusSent,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeSender) MarkRead(_ context.Context, conversationID string, messageIDs []string) ([]chat.Message, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, sentCall{kind: "read", ids: messageIDs})
	return nil, nil
}

// definitiveErr mimics a server rejection.
type definitiveErr struct{ msg string }

func (e *definitiveErr) Error() string    { return e.msg }
func (e *definitiveErr) Definitive() bool { return true }

func newTestQueue(t *testing.T, sender outbox.Sender) (*outbox.Queue, *localdb.Store) {
	t.Helper()
	store, err := localdb.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := core.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))
	return outbox.NewQueue(store, sender, logger), store
}

func TestQueueDrainPreservesOrder(t *testing.T) {
	sender := &fakeSender{}
	queue, _ := newTestQueue(t, sender)

	_, err := queue.SendMessage("conv", "A")
	require.NoError(t, err)
	_, err = queue.SendMessage("conv", "B")
	require.NoError(t, err)
	_, err = queue.MarkRead("conv", []string{"m1"})
	require.NoError(t, err)
	_, err = queue.SendMessage("conv", "C")
	require.NoError(t, err)

	done, err := queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, done)

	require.Len(t, sender.calls, 4)
	assert.Equal(t, "A", sender.calls[0].content)
	assert.Equal(t, "B", sender.calls[1].content)
	assert.Equal(t, "read", sender.calls[2].kind)
	assert.Equal(t, "C", sender.calls[3].content)

	pending, err := queue.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestQueueTransientFailureHaltsDrain(t *testing.T) {
	sender := &fakeSender{scripts: []error{nil, errors.New("connection refused")}}
	queue, _ := newTestQueue(t, sender)

	_, err := queue.SendMessage("conv", "first")
	require.NoError(t, err)
	_, err = queue.SendMessage("conv", "second")
	require.NoError(t, err)
	_, err = queue.SendMessage("conv", "third")
	require.NoError(t, err)

	done, err := queue.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, done)

	// second and third are untouched, still in order
	pending, err := queue.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// connectivity returns; the rest drains in order
	done, err = queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	require.Len(t, sender.calls, 3)
	assert.Equal(t, "second", sender.calls[1].content)
	assert.Equal(t, "third", sender.calls[2].content)
}

func TestQueueDefinitiveFailureDropsAndContinues(t *testing.T) {
	sender := &fakeSender{scripts: []error{&definitiveErr{msg: "content too long"}}}
	queue, store := newTestQueue(t, sender)

	var rejected []localdb.Action
	queue.OnRejected = func(a localdb.Action, err error) { rejected = append(rejected, a) }

	first, err := queue.SendMessage("conv", "rejected one")
	require.NoError(t, err)
	_, err = queue.SendMessage("conv", "fine one")
	require.NoError(t, err)

	done, err := queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	// the rejection is surfaced and kept on record, not retried
	require.Len(t, rejected, 1)
	assert.Equal(t, first.ID, rejected[0].ID)
	failed, err := store.FailedActions()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)

	require.Len(t, sender.calls, 1)
	assert.Equal(t, "fine one", sender.calls[0].content)
}

func TestQueueConfirmCallback(t *testing.T) {
	sender := &fakeSender{}
	queue, _ := newTestQueue(t, sender)

	var confirmed []chat.Message
	queue.OnConfirmed = func(a localdb.Action, msg chat.Message) { confirmed = append(confirmed, msg) }

	action, err := queue.SendMessage("conv", "hello")
	require.NoError(t, err)

	_, err = queue.Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, confirmed, 1)
	assert.Equal(t, "srv-"+action.ID, confirmed[0].ID)
	assert.Equal(t, action.ID, sender.calls[0].clientRef)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := localdb.OpenPath(dbPath)
	require.NoError(t, err)
	logger := core.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))
	queue := outbox.NewQueue(store, &fakeSender{}, logger)

	_, err = queue.SendMessage("conv", "persisted")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// a new process finds the action still queued
	store, err = localdb.OpenPath(dbPath)
	require.NoError(t, err)
	defer store.Close()

	sender := &fakeSender{}
	queue = outbox.NewQueue(store, sender, logger)
	done, err := queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "persisted", sender.calls[0].content)
}
