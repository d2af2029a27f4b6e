package localdb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulehub/shule/client/localdb"
	"github.com/shulehub/shule/core/chat"
)

func openStore(t *testing.T) *localdb.Store {
	t.Helper()
	store, err := localdb.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := localdb.OpenPath(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SetValue("last_sync", "2026-08-28T10:00:00Z"))
	require.NoError(t, store.Close())

	// migrations are versioned; reopening must not wipe anything
	store, err = localdb.OpenPath(dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetValue("last_sync")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-28T10:00:00Z", got)
}

func TestStoreKVUpsert(t *testing.T) {
	store := openStore(t)

	got, err := store.GetValue("missing")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.SetValue("token", "a"))
	require.NoError(t, store.SetValue("token", "b"))
	got, err = store.GetValue("token")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestStoreMessagesNewestFirst(t *testing.T) {
	store := openStore(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"old", "middle", "new"} {
		require.NoError(t, store.PutMessage(localdb.CachedMessage{
			Message: chat.Message{
				ID:             content,
				ConversationID: "c1",
				SenderID:       "bob",
				Content:        content,
				Status:         chat.StatusSent,
				CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			},
		}))
	}
	// another conversation does not leak in
	require.NoError(t, store.PutMessage(localdb.CachedMessage{
		Message: chat.Message{ID: "other", ConversationID: "c2", SenderID: "bob", CreatedAt: base},
	}))

	msgs, err := store.Messages("c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new", msgs[0].ID)
	assert.Equal(t, "middle", msgs[1].ID)
}

// A message cached without an explicit status must still satisfy the table's
// status constraint; the row defaults to sent instead of failing the insert.
func TestStorePutMessageDefaultsStatus(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.PutMessage(localdb.CachedMessage{
		Message: chat.Message{ID: "bare", ConversationID: "c1", SenderID: "bob", CreatedAt: time.Now().UTC()},
	}))

	msgs, err := store.Messages("c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bare", msgs[0].ID)
}

func TestStorePutMessageUpserts(t *testing.T) {
	store := openStore(t)

	msg := chat.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "bob",
		Content:        "hi",
		Status:         chat.StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.PutMessage(localdb.CachedMessage{Message: msg, Pending: true}))

	now := time.Now().UTC()
	msg.Status = chat.StatusRead
	msg.ReadAt = &now
	require.NoError(t, store.PutMessage(localdb.CachedMessage{Message: msg}))

	got, ok, err := store.GetMessage("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chat.StatusRead, got.Status)
	assert.False(t, got.Pending)

	msgs, err := store.Messages("c1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStoreReplaceMessage(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.PutMessage(localdb.CachedMessage{
		Message: chat.Message{
			ID:             "local-1",
			ConversationID: "c1",
			SenderID:       "alice",
			Content:        "hi",
			Status:         chat.StatusSent,
			CreatedAt:      time.Now().UTC(),
		},
		Pending: true,
	}))

	require.NoError(t, store.ReplaceMessage("local-1", chat.Message{
		ID:             "srv-1",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hi",
		Status:         chat.StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	}))

	_, ok, err := store.GetMessage("local-1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := store.GetMessage("srv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Pending)
	assert.Equal(t, chat.StatusDelivered, got.Status)
}

func TestStoreConversationsOrdering(t *testing.T) {
	store := openStore(t)

	old := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	summaries := []chat.ConversationSummary{
		{Conversation: chat.Conversation{ID: "quiet", TenantID: "t", Participant1ID: "a", Participant2ID: "b", CreatedAt: old}},
		{Conversation: chat.Conversation{ID: "stale", TenantID: "t", Participant1ID: "a", Participant2ID: "c", LastMessageAt: &old, CreatedAt: old}},
		{Conversation: chat.Conversation{ID: "busy", TenantID: "t", Participant1ID: "a", Participant2ID: "d", LastMessageAt: &recent, CreatedAt: old}},
	}
	require.NoError(t, store.PutConversations(summaries))

	got, err := store.Conversations()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "busy", got[0].ID)
	assert.Equal(t, "stale", got[1].ID)
	// never-messaged threads sort last
	assert.Equal(t, "quiet", got[2].ID)
}

func TestStoreOutboxOrdering(t *testing.T) {
	store := openStore(t)

	base := time.Now().UTC()
	for i, content := range []string{"a", "b", "c"} {
		require.NoError(t, store.EnqueueAction(localdb.Action{
			ID:             content,
			Kind:           localdb.ActionSendMessage,
			ConversationID: "c1",
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	require.NoError(t, store.MarkActionFailed("b", "rejected"))

	pending, err := store.PendingActions()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	n, err := store.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := store.FailedActions()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)
}
