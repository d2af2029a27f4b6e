package ws

import "sync"

// TypingState identifies one user typing (or no longer typing) in one
// conversation.
type TypingState struct {
	ConversationID string
	UserID         string
}

// typingTracker keeps ephemeral typing indicators per conversation. State is
// tracked per session so that a user typing on two devices only reads as
// "stopped" once both stop, and so a dropped connection clears whatever it
// asserted.
type typingTracker struct {
	mu     sync.Mutex
	byConv map[string]map[string]string // conversationID -> sessionID -> userID
}

func newTypingTracker() *typingTracker {
	return &typingTracker{byConv: make(map[string]map[string]string)}
}

// Set records the typing state of a session. It reports whether the user's
// aggregate state in the conversation changed, i.e. whether peers should be
// notified.
func (t *typingTracker) Set(conversationID, sessionID, userID string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.byConv[conversationID]
	if typing {
		wasTyping := t.userTypingLocked(room, userID)
		if room == nil {
			room = make(map[string]string)
			t.byConv[conversationID] = room
		}
		room[sessionID] = userID
		return !wasTyping
	}

	if room == nil {
		return false
	}
	if _, ok := room[sessionID]; !ok {
		return false
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(t.byConv, conversationID)
	}
	return !t.userTypingLocked(t.byConv[conversationID], userID)
}

// ClearSession drops every typing assertion the session made and returns the
// states whose users thereby stopped typing.
func (t *typingTracker) ClearSession(sessionID string) []TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stopped []TypingState
	for convID, room := range t.byConv {
		userID, ok := room[sessionID]
		if !ok {
			continue
		}
		delete(room, sessionID)
		if len(room) == 0 {
			delete(t.byConv, convID)
		}
		if !t.userTypingLocked(t.byConv[convID], userID) {
			stopped = append(stopped, TypingState{ConversationID: convID, UserID: userID})
		}
	}
	return stopped
}

func (t *typingTracker) userTypingLocked(room map[string]string, userID string) bool {
	for _, uid := range room {
		if uid == userID {
			return true
		}
	}
	return false
}
