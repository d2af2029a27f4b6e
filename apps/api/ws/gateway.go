package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
	"github.com/shulehub/shule/core/user"
)

type (
	// Identity is the authenticated principal behind a socket.
	Identity struct {
		UserID   string
		TenantID string
	}

	// TokenVerifier validates the token presented in the first frame.
	TokenVerifier func(token string) (Identity, error)

	// Gateway upgrades HTTP requests to websockets, authenticates them and
	// bridges socket events to the chat service. It also implements the REST
	// layer's relay so queued actions submitted over HTTP reach live peers.
	Gateway struct {
		conf     *core.Config
		logger   core.Logger
		chatSvc  *chat.Service
		userSvc  *user.Service
		mailSvc  core.EmailService
		verify   TokenVerifier
		registry *Registry
		typing   *typingTracker
		upgrader websocket.Upgrader
	}
)

func NewGateway(
	conf *core.Config,
	logger core.Logger,
	chatSvc *chat.Service,
	userSvc *user.Service,
	mailSvc core.EmailService,
	verify TokenVerifier,
) *Gateway {
	return &Gateway{
		conf:     conf,
		logger:   logger,
		chatSvc:  chatSvc,
		userSvc:  userSvc,
		mailSvc:  mailSvc,
		verify:   verify,
		registry: NewRegistry(),
		typing:   newTypingTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes connection bookkeeping, e.g. for presence checks.
func (g *Gateway) Registry() *Registry { return g.registry }

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() { g.registry.Close() }

// Serve upgrades the request and runs the connection until it drops. The
// client must authenticate in its first frame before anything else; sockets
// that stay silent past the configured timeout are closed.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request) {
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrading websocket", err)
		return
	}

	identity, err := g.awaitAuth(sock)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
		_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = sock.Close()
		return
	}

	conn := NewConnection(identity.UserID, identity.TenantID, sock)
	g.registry.Attach(conn)
	defer g.disconnect(conn)

	_ = conn.SendEvent(ServerEvent{Type: EvtReady, SessionID: conn.ID, UserID: conn.UserID})

	g.readLoop(r.Context(), conn)
}

func (g *Gateway) awaitAuth(sock *websocket.Conn) (Identity, error) {
	sock.SetReadLimit(maxMessageSize)
	if err := sock.SetReadDeadline(time.Now().Add(g.conf.Server.WSAuthTimeout)); err != nil {
		return Identity{}, errors.Wrap(err, "setting auth deadline")
	}

	_, frame, err := sock.ReadMessage()
	if err != nil {
		return Identity{}, errors.Wrap(err, "reading auth frame")
	}
	var req authRequest
	if err := json.Unmarshal(frame, &req); err != nil || req.Token == "" {
		return Identity{}, errors.New("malformed auth frame")
	}
	return g.verify(req.Token)
}

func (g *Gateway) readLoop(ctx context.Context, conn *Connection) {
	_ = conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}

		var evt ClientEvent
		if err := json.Unmarshal(frame, &evt); err != nil {
			_ = conn.SendEvent(ServerEvent{Type: EvtError, Error: "malformed event"})
			continue
		}
		// one bad event must not take the connection down
		if err := g.handleEvent(ctx, conn, evt); err != nil {
			_ = conn.SendEvent(ServerEvent{
				Type:           EvtError,
				ConversationID: evt.ConversationID,
				ClientRef:      evt.ClientRef,
				Error:          userFacingError(err),
			})
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, conn *Connection, evt ClientEvent) error {
	switch evt.Type {
	case EvtJoinConversation:
		return g.handleJoin(ctx, conn, evt)
	case EvtLeaveConversation:
		g.handleLeave(conn, evt)
		return nil
	case EvtSendMessage:
		return g.handleSend(ctx, conn, evt)
	case EvtMarkRead:
		return g.handleMarkRead(ctx, conn, evt)
	case EvtTyping:
		return g.handleTyping(ctx, conn, evt)
	default:
		return errors.Errorf("unknown event type %q", evt.Type)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn *Connection, evt ClientEvent) error {
	// only participants may subscribe to a conversation
	if _, err := g.chatSvc.GetConversation(ctx, evt.ConversationID, conn.UserID); err != nil {
		return err
	}
	g.registry.Join(evt.ConversationID, conn)
	return nil
}

func (g *Gateway) handleLeave(conn *Connection, evt ClientEvent) {
	g.registry.Leave(evt.ConversationID, conn)
	if g.typing.Set(evt.ConversationID, conn.ID, conn.UserID, false) {
		g.broadcastTyping(evt.ConversationID, conn.UserID, false)
	}
}

func (g *Gateway) handleSend(ctx context.Context, conn *Connection, evt ClientEvent) error {
	msg, err := g.chatSvc.SendMessage(ctx, evt.ConversationID, conn.UserID, evt.Content)
	if err != nil {
		return err
	}

	// sending implies the author stopped typing
	if g.typing.Set(evt.ConversationID, conn.ID, conn.UserID, false) {
		g.broadcastTyping(evt.ConversationID, conn.UserID, false)
	}

	conv, err := g.chatSvc.GetConversation(ctx, msg.ConversationID, conn.UserID)
	if err != nil {
		return err
	}
	g.relayMessage(conv, msg, conn.ID)

	// ack the sender with the authoritative message and their reference
	return conn.SendEvent(ServerEvent{
		Type:           EvtMessageReceived,
		ConversationID: conv.ID,
		Message:        &msg,
		ClientRef:      evt.ClientRef,
	})
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn *Connection, evt ClientEvent) error {
	affected, err := g.chatSvc.MarkRead(ctx, evt.ConversationID, conn.UserID, evt.MessageIDs)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	conv, err := g.chatSvc.GetConversation(ctx, evt.ConversationID, conn.UserID)
	if err != nil {
		return err
	}
	g.relayRead(conv, conn.UserID, affected, conn.ID)
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, conn *Connection, evt ClientEvent) error {
	if _, err := g.chatSvc.GetConversation(ctx, evt.ConversationID, conn.UserID); err != nil {
		return err
	}
	if g.typing.Set(evt.ConversationID, conn.ID, conn.UserID, evt.Typing) {
		g.broadcastTyping(evt.ConversationID, conn.UserID, evt.Typing)
	}
	return nil
}

func (g *Gateway) disconnect(conn *Connection) {
	for _, stopped := range g.typing.ClearSession(conn.ID) {
		g.broadcastTyping(stopped.ConversationID, stopped.UserID, false)
	}
	g.registry.Detach(conn)
	conn.Close(websocket.CloseNormalClosure, "bye")
}

// RelayMessage pushes a freshly stored message to both participants' live
// connections. Part of the REST layer's relay contract.
func (g *Gateway) RelayMessage(conv chat.Conversation, msg chat.Message) {
	g.relayMessage(conv, msg, "")
}

// RelayRead notifies live connections that readerID read the given messages.
// Part of the REST layer's relay contract.
func (g *Gateway) RelayRead(conv chat.Conversation, readerID string, msgs []chat.Message) {
	g.relayRead(conv, readerID, msgs, "")
}

func (g *Gateway) relayMessage(conv chat.Conversation, msg chat.Message, excludeSessionID string) {
	evt := ServerEvent{
		Type:           EvtMessageReceived,
		ConversationID: conv.ID,
		Message:        &msg,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		g.logger.Error("marshaling message event", err)
		return
	}

	peerID := conv.Peer(msg.SenderID)
	if g.registry.NotifyUser(peerID, payload, "") > 0 {
		// the recipient saw it on at least one device
		if err := g.chatSvc.MarkDelivered(context.Background(), msg.ID); err != nil {
			g.logger.Error("marking message delivered", errors.Wrap(err, "marking message delivered"))
		}
	} else {
		go g.notifyOffline(conv, msg)
	}

	// keep the sender's other devices in sync
	g.registry.NotifyUser(msg.SenderID, payload, excludeSessionID)
}

// relayRead emits one read receipt per affected message so clients can flip
// individual bubbles without diffing a batch.
func (g *Gateway) relayRead(conv chat.Conversation, readerID string, msgs []chat.Message, excludeSessionID string) {
	for i := range msgs {
		evt := ServerEvent{
			Type:           EvtMessageRead,
			ConversationID: conv.ID,
			UserID:         readerID,
			Message:        &msgs[i],
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			g.logger.Error("marshaling read event", err)
			continue
		}
		g.registry.NotifyUser(conv.Peer(readerID), payload, "")
		g.registry.NotifyUser(readerID, payload, excludeSessionID)
	}
}

func (g *Gateway) broadcastTyping(conversationID, userID string, typing bool) {
	evt := ServerEvent{
		Type:           EvtTypingChanged,
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		g.logger.Error("marshaling typing event", err)
		return
	}
	g.registry.Broadcast(conversationID, payload, userID)
}

// notifyOffline emails the recipient when no device of theirs is connected.
func (g *Gateway) notifyOffline(conv chat.Conversation, msg chat.Message) {
	ctx := context.Background()
	recipient, err := g.userSvc.GetByID(ctx, conv.Peer(msg.SenderID))
	if err != nil {
		g.logger.Error("finding offline recipient", errors.Wrap(err, "finding offline recipient"))
		return
	}
	sender, err := g.userSvc.GetByID(ctx, msg.SenderID)
	if err != nil {
		g.logger.Error("finding sender", errors.Wrap(err, "finding sender"))
		return
	}
	g.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: recipient.Name, Address: recipient.Email}},
		Subject: fmt.Sprintf("New message from %s", sender.Name),
		BodyStr: fmt.Sprintf(
			"%s sent you a message. Open %s to read and reply.",
			sender.Name, g.conf.FrontendBaseURL,
		),
	})
}

// userFacingError keeps internal detail out of the socket while passing the
// domain sentinels through verbatim.
func userFacingError(err error) string {
	switch cause := errors.Cause(err); cause {
	case chat.ErrNotFound, chat.ErrForbidden, chat.ErrNotAParticipant, chat.ErrEmptyContent:
		return cause.Error()
	}
	if core.IsValidationError(err) {
		return err.Error()
	}
	return "internal error"
}
