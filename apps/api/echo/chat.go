package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/chat"
	"github.com/shulehub/shule/core/user"
)

// Relay pushes realtime notifications to connected sockets so peers see
// REST-submitted activity (e.g. a reconnecting client draining its queue)
// without polling.
type Relay interface {
	RelayMessage(conv chat.Conversation, msg chat.Message)
	RelayRead(conv chat.Conversation, readerID string, msgs []chat.Message)
}

type chatAPI struct {
	deps  *Deps
	relay Relay
}

func registerChatAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *Deps) {
	api := chatAPI{deps: deps}
	if deps.Gateway != nil {
		api.relay = deps.Gateway
		g.GET("/ws", echo.WrapHandler(http.HandlerFunc(deps.Gateway.Serve)))
	}

	cg := g.Group("/conversations", jwt)
	cg.GET("", api.list)
	cg.POST("", api.create)
	cg.GET("/:id", api.retrieve)
	cg.GET("/:id/messages", api.listMessages)
	cg.POST("/:id/messages", api.sendMessage)
	cg.PATCH("/:id/read", api.markRead)
}

func (api *chatAPI) list(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	summaries, err := api.deps.ChatSvc.ListConversations(ctx.Request().Context(), claims.TenantID, claims.Subject)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	if summaries == nil {
		summaries = []chat.ConversationSummary{}
	}
	return ctx.JSON(http.StatusOK, summaries)
}

func (api *chatAPI) create(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data StartConversationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to StartConversationRequest")
	}
	if err := data.Validate(api.deps); err != nil {
		return err
	}

	// the peer must exist within the caller's school
	peer, err := api.deps.UserSvc.GetByID(ctx.Request().Context(), data.PeerID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errHTTPNotFound
		}
		return errors.Wrap(err, "finding peer")
	}
	if peer.TenantID != claims.TenantID {
		return errHTTPNotFound
	}

	conv, err := api.deps.ChatSvc.StartConversation(
		ctx.Request().Context(), claims.TenantID, claims.Subject, peer.ID, data.StudentID)
	if err != nil {
		return errors.Wrap(err, "starting conversation")
	}
	return ctx.JSON(http.StatusCreated, conv)
}

func (api *chatAPI) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	conv, err := api.deps.ChatSvc.GetConversation(ctx.Request().Context(), ctx.Param("id"), claims.Subject)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *chatAPI) listMessages(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var q MessagesQuery
	if err := ctx.Bind(&q); err != nil {
		return errors.Wrap(err, "binding to MessagesQuery")
	}
	before, err := q.BeforeTime()
	if err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "before", Error: "invalid timestamp"})
	}

	msgs, err := api.deps.ChatSvc.ListMessages(ctx.Request().Context(), ctx.Param("id"), claims.Subject, q.Limit, before)
	if err != nil {
		return err
	}

	// fetching counts as delivery for anything still in flight to this reader
	for _, msg := range msgs {
		if msg.SenderID != claims.Subject && msg.Status == chat.StatusSent {
			if err := api.deps.ChatSvc.MarkDelivered(ctx.Request().Context(), msg.ID); err != nil {
				api.deps.Logger.Error("marking message delivered", errors.Wrap(err, "marking message delivered"))
			}
		}
	}

	if msgs == nil {
		msgs = []chat.Message{}
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *chatAPI) sendMessage(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data SendMessageRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SendMessageRequest")
	}

	msg, err := api.deps.ChatSvc.SendMessage(ctx.Request().Context(), ctx.Param("id"), claims.Subject, data.Content)
	if err != nil {
		return err
	}

	if api.relay != nil {
		conv, err := api.deps.ChatSvc.GetConversation(ctx.Request().Context(), msg.ConversationID, claims.Subject)
		if err == nil {
			api.relay.RelayMessage(conv, msg)
		}
	}
	return ctx.JSON(http.StatusCreated, MessageResponse{Message: msg, ClientRef: data.ClientRef})
}

func (api *chatAPI) markRead(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data MarkReadRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkReadRequest")
	}

	affected, err := api.deps.ChatSvc.MarkRead(ctx.Request().Context(), ctx.Param("id"), claims.Subject, data.MessageIDs)
	if err != nil {
		return err
	}

	if api.relay != nil && len(affected) > 0 {
		conv, err := api.deps.ChatSvc.GetConversation(ctx.Request().Context(), ctx.Param("id"), claims.Subject)
		if err == nil {
			api.relay.RelayRead(conv, claims.Subject, affected)
		}
	}

	if affected == nil {
		affected = []chat.Message{}
	}
	return ctx.JSON(http.StatusOK, affected)
}

type (
	StartConversationRequest struct {
		PeerID    string `json:"peer_id" validate:"required"`
		StudentID string `json:"student_id"`
	}

	SendMessageRequest struct {
		Content string `json:"content"`
		// ClientRef is echoed back untouched so an offline queue can match
		// the server message to its locally generated entry.
		ClientRef string `json:"client_ref,omitempty"`
	}

	MessageResponse struct {
		chat.Message
		ClientRef string `json:"client_ref,omitempty"`
	}

	MarkReadRequest struct {
		MessageIDs []string `json:"message_ids"`
	}

	MessagesQuery struct {
		Limit  int    `query:"limit"`
		Before string `query:"before"`
	}
)

func (r *StartConversationRequest) Validate(deps *Deps) error {
	return deps.Validate.Struct(r)
}

func (q MessagesQuery) BeforeTime() (time.Time, error) {
	if q.Before == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, q.Before)
}
