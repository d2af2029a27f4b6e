package ws_test

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulehub/shule/apps/api/ws"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
	"github.com/shulehub/shule/core/user"
	dummydb "github.com/shulehub/shule/storage/database/dummy"
)

type mailRecorder struct {
	mu   sync.Mutex
	sent []core.EmailMessage
}

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		m.sent = append(m.sent, *msg)
	}
}

func (m *mailRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	chatSvc *chat.Service
	userSvc *user.Service
	gateway *ws.Gateway
	server  *httptest.Server
	mail    *mailRecorder
}

// tokens are the user IDs themselves; the verifier fakes JWT validation
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conf := &core.Config{
		AppName:         "Shule",
		FrontendBaseURL: "http://localhost:3000",
		Server:          core.ServerConfig{WSAuthTimeout: 2 * time.Second},
	}
	db, err := dummydb.Open()
	require.NoError(t, err)

	mailSvc := &mailRecorder{}
	userSvc := user.NewService(conf, dummydb.NewUserRepository(db), mailSvc)
	chatSvc := chat.NewService(dummydb.NewChatRepository(db))

	verify := func(token string) (ws.Identity, error) {
		if token == "" || strings.HasPrefix(token, "bad") {
			return ws.Identity{}, errors.New("invalid token")
		}
		return ws.Identity{UserID: token, TenantID: "tenant-1"}, nil
	}

	logger := core.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))
	gateway := ws.NewGateway(conf, logger, chatSvc, userSvc, mailSvc, verify)
	server := httptest.NewServer(http.HandlerFunc(gateway.Serve))
	t.Cleanup(func() {
		gateway.Shutdown()
		server.Close()
	})

	return &testEnv{chatSvc: chatSvc, userSvc: userSvc, gateway: gateway, server: server, mail: mailSvc}
}

func (env *testEnv) createUser(t *testing.T, id, name string) user.User {
	t.Helper()
	usr, err := env.userSvc.Create(context.Background(), user.NewUser{
		TenantID: "tenant-1",
		Name:     name,
		Username: id,
		Email:    id + "@test.test",
		Password: "pwd",
	})
	require.NoError(t, err)
	return usr
}

type wsClient struct {
	t    *testing.T
	sock *websocket.Conn
}

func (env *testEnv) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	require.NoError(t, sock.WriteJSON(map[string]string{"token": token}))
	return &wsClient{t: t, sock: sock}
}

func (c *wsClient) send(evt ws.ClientEvent) {
	c.t.Helper()
	require.NoError(c.t, c.sock.WriteJSON(evt))
}

func (c *wsClient) read() ws.ServerEvent {
	c.t.Helper()
	var evt ws.ServerEvent
	require.NoError(c.t, c.sock.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(c.t, c.sock.ReadJSON(&evt))
	return evt
}

func (c *wsClient) expectReady() string {
	c.t.Helper()
	evt := c.read()
	require.Equal(c.t, ws.EvtReady, evt.Type)
	return evt.SessionID
}

func TestGatewayRejectsBadAuth(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.WriteJSON(map[string]string{"token": "bad-token"}))

	_ = sock.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = sock.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestGatewayMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "Alice")
	bob := env.createUser(t, "bob", "Bob")
	conv, err := env.chatSvc.StartConversation(ctx, "tenant-1", alice.ID, bob.ID, "")
	require.NoError(t, err)

	aliceWS := env.dial(t, alice.ID)
	aliceWS.expectReady()
	bobWS := env.dial(t, bob.ID)
	bobWS.expectReady()

	aliceWS.send(ws.ClientEvent{
		Type:           ws.EvtSendMessage,
		ConversationID: conv.ID,
		Content:        "hello bob",
		ClientRef:      "local-1",
	})

	// the recipient gets the message on every connected device
	got := bobWS.read()
	require.Equal(t, ws.EvtMessageReceived, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hello bob", got.Message.Content)
	assert.Equal(t, alice.ID, got.Message.SenderID)

	// the sender gets an ack carrying their local reference
	ack := aliceWS.read()
	require.Equal(t, ws.EvtMessageReceived, ack.Type)
	assert.Equal(t, "local-1", ack.ClientRef)
	require.NotNil(t, ack.Message)

	// reaching a live device marks the message delivered
	msgs, err := env.chatSvc.ListMessages(ctx, conv.ID, bob.ID, 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusDelivered, msgs[0].Status)

	// bob reads; alice is notified
	bobWS.send(ws.ClientEvent{
		Type:           ws.EvtMarkRead,
		ConversationID: conv.ID,
		MessageIDs:     []string{ack.Message.ID},
	})
	read := aliceWS.read()
	require.Equal(t, ws.EvtMessageRead, read.Type)
	assert.Equal(t, bob.ID, read.UserID)
	require.NotNil(t, read.Message)
	assert.Equal(t, ack.Message.ID, read.Message.ID)
	assert.Equal(t, chat.StatusRead, read.Message.Status)
	assert.NotNil(t, read.Message.ReadAt)

	assert.Equal(t, 0, env.mail.count())
}

// Reading a batch fans out one message_read event per affected message, each
// carrying its own receipt, not a combined list.
func TestGatewayReadReceiptPerMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "Alice")
	bob := env.createUser(t, "bob", "Bob")
	conv, err := env.chatSvc.StartConversation(ctx, "tenant-1", alice.ID, bob.ID, "")
	require.NoError(t, err)

	m1, err := env.chatSvc.SendMessage(ctx, conv.ID, alice.ID, "one")
	require.NoError(t, err)
	m2, err := env.chatSvc.SendMessage(ctx, conv.ID, alice.ID, "two")
	require.NoError(t, err)

	aliceWS := env.dial(t, alice.ID)
	aliceWS.expectReady()
	bobWS := env.dial(t, bob.ID)
	bobWS.expectReady()

	bobWS.send(ws.ClientEvent{
		Type:           ws.EvtMarkRead,
		ConversationID: conv.ID,
		MessageIDs:     []string{m1.ID, m2.ID},
	})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		evt := aliceWS.read()
		require.Equal(t, ws.EvtMessageRead, evt.Type)
		assert.Equal(t, bob.ID, evt.UserID)
		require.NotNil(t, evt.Message)
		assert.Equal(t, chat.StatusRead, evt.Message.Status)
		got[evt.Message.ID] = true
	}
	assert.Equal(t, map[string]bool{m1.ID: true, m2.ID: true}, got)
}

func TestGatewayTyping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "Alice")
	bob := env.createUser(t, "bob", "Bob")
	conv, err := env.chatSvc.StartConversation(ctx, "tenant-1", alice.ID, bob.ID, "")
	require.NoError(t, err)

	aliceWS := env.dial(t, alice.ID)
	aliceWS.expectReady()
	bobWS := env.dial(t, bob.ID)
	bobWS.expectReady()

	// typing indicators only reach sessions viewing the conversation
	aliceWS.send(ws.ClientEvent{Type: ws.EvtJoinConversation, ConversationID: conv.ID})
	bobWS.send(ws.ClientEvent{Type: ws.EvtJoinConversation, ConversationID: conv.ID})
	time.Sleep(100 * time.Millisecond) // joins are async

	aliceWS.send(ws.ClientEvent{Type: ws.EvtTyping, ConversationID: conv.ID, Typing: true})
	evt := bobWS.read()
	require.Equal(t, ws.EvtTypingChanged, evt.Type)
	assert.Equal(t, alice.ID, evt.UserID)
	assert.True(t, evt.Typing)

	// dropping the connection clears the indicator
	require.NoError(t, aliceWS.sock.Close())
	evt = bobWS.read()
	require.Equal(t, ws.EvtTypingChanged, evt.Type)
	assert.Equal(t, alice.ID, evt.UserID)
	assert.False(t, evt.Typing)
}

func TestGatewayOfflineRecipientGetsEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "Alice")
	carol := env.createUser(t, "carol", "Carol")
	conv, err := env.chatSvc.StartConversation(ctx, "tenant-1", alice.ID, carol.ID, "")
	require.NoError(t, err)

	aliceWS := env.dial(t, alice.ID)
	aliceWS.expectReady()

	aliceWS.send(ws.ClientEvent{Type: ws.EvtSendMessage, ConversationID: conv.ID, Content: "you there?"})
	ack := aliceWS.read()
	require.Equal(t, ws.EvtMessageReceived, ack.Type)

	// the nudge is sent from a goroutine
	require.Eventually(t, func() bool { return env.mail.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	env.mail.mu.Lock()
	sent := env.mail.sent[0]
	env.mail.mu.Unlock()
	assert.Equal(t, carol.Email, sent.To[0].Address)
	assert.Contains(t, sent.Subject, "Alice")

	// carol was never reached; the message stays sent
	msgs, err := env.chatSvc.ListMessages(ctx, conv.ID, carol.ID, 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusSent, msgs[0].Status)
}

func TestGatewayErrorIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "Alice")
	bob := env.createUser(t, "bob", "Bob")
	mallory := env.createUser(t, "mallory", "Mallory")
	conv, err := env.chatSvc.StartConversation(ctx, "tenant-1", alice.ID, bob.ID, "")
	require.NoError(t, err)

	malloryWS := env.dial(t, mallory.ID)
	malloryWS.expectReady()

	// an outsider cannot join someone else's conversation
	malloryWS.send(ws.ClientEvent{Type: ws.EvtJoinConversation, ConversationID: conv.ID})
	evt := malloryWS.read()
	require.Equal(t, ws.EvtError, evt.Type)
	assert.Equal(t, chat.ErrForbidden.Error(), evt.Error)

	// and the failure must not kill the connection
	malloryWS.send(ws.ClientEvent{Type: ws.EvtSendMessage, ConversationID: conv.ID, Content: "hi", ClientRef: "m-1"})
	evt = malloryWS.read()
	require.Equal(t, ws.EvtError, evt.Type)
	assert.Equal(t, "m-1", evt.ClientRef)
}
