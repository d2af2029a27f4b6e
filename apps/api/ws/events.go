package ws

import "github.com/shulehub/shule/core/chat"

// client -> server event types
const (
	EvtJoinConversation  = "join_conversation"
	EvtLeaveConversation = "leave_conversation"
	EvtSendMessage       = "send_message"
	EvtMarkRead          = "mark_read"
	EvtTyping            = "typing"
)

// server -> client event types
const (
	EvtReady           = "ready"
	EvtMessageReceived = "message_received"
	EvtMessageRead     = "message_read"
	EvtTypingChanged   = "typing_changed"
	EvtError           = "error"
)

type (
	// authRequest is the first frame a client must send after the upgrade.
	authRequest struct {
		Token string `json:"token"`
	}

	// ClientEvent is the inbound wire format. Fields are populated per Type.
	ClientEvent struct {
		Type           string   `json:"type"`
		ConversationID string   `json:"conversation_id,omitempty"`
		Content        string   `json:"content,omitempty"`
		ClientRef      string   `json:"client_ref,omitempty"`
		MessageIDs     []string `json:"message_ids,omitempty"`
		Typing         bool     `json:"typing,omitempty"`
	}

	// ServerEvent is the outbound wire format. Fields are populated per Type.
	ServerEvent struct {
		Type           string        `json:"type"`
		SessionID      string        `json:"session_id,omitempty"`
		ConversationID string        `json:"conversation_id,omitempty"`
		UserID         string        `json:"user_id,omitempty"`
		Message        *chat.Message `json:"message,omitempty"`
		ClientRef      string        `json:"client_ref,omitempty"`
		Typing         bool          `json:"typing"`
		Error          string        `json:"error,omitempty"`
	}
)
