package localdb

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/chat"
)

// StatusPending marks a locally authored message the server has not
// acknowledged yet. The other statuses mirror the server's.
const StatusPending = "pending"

// CachedMessage is a message as the device knows it. Provisional entries use
// a locally generated ID and StatusPending until confirmed.
type CachedMessage struct {
	chat.Message
	Pending bool `json:"pending,omitempty"`
}

func (s *Store) PutMessage(msg CachedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	status := string(msg.Status)
	switch {
	case msg.Pending:
		status = StatusPending
	case status == "":
		// server payloads always carry a status; anything cached without one
		// defaults to the weakest server state rather than tripping the
		// table's status constraint
		status = string(chat.StatusSent)
	}
	_, err = s.db.Exec(
		`INSERT INTO message (id, conversation_id, sender_id, content, status, created_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content,
		   status = excluded.status,
		   payload = excluded.payload`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, status, msg.CreatedAt.UnixNano(), string(payload),
	)
	return errors.Wrap(err, "storing message")
}

// ReplaceMessage swaps a provisional entry for its server-confirmed form.
func (s *Store) ReplaceMessage(localID string, msg chat.Message) error {
	if err := s.DeleteMessage(localID); err != nil {
		return err
	}
	return s.PutMessage(CachedMessage{Message: msg})
}

func (s *Store) DeleteMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM message WHERE id = ?`, id)
	return errors.Wrap(err, "deleting message")
}

// GetMessage returns the cached message and whether it exists.
func (s *Store) GetMessage(id string) (CachedMessage, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM message WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return CachedMessage{}, false, nil
	}
	if err != nil {
		return CachedMessage{}, false, errors.Wrap(err, "fetching message")
	}
	var msg CachedMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return CachedMessage{}, false, errors.Wrap(err, "unmarshaling message")
	}
	return msg, true, nil
}

// Messages pages a conversation newest first, pending entries included.
func (s *Store) Messages(conversationID string, limit int) ([]CachedMessage, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM message WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	defer rows.Close()

	var msgs []CachedMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scanning message")
		}
		var msg CachedMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, errors.Wrap(err, "unmarshaling message")
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Wrap(rows.Err(), "iterating messages")
}

func (s *Store) PutConversations(summaries []chat.ConversationSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, summary := range summaries {
		payload, err := json.Marshal(summary)
		if err != nil {
			return errors.Wrap(err, "marshaling conversation")
		}
		var lastMessageAt interface{}
		if summary.LastMessageAt != nil {
			lastMessageAt = summary.LastMessageAt.UnixNano()
		}
		if _, err := tx.Exec(
			`INSERT INTO conversation (id, last_message_at, payload) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   last_message_at = excluded.last_message_at,
			   payload = excluded.payload`,
			summary.ID, lastMessageAt, string(payload),
		); err != nil {
			return errors.Wrap(err, "storing conversation")
		}
	}
	return errors.Wrap(tx.Commit(), "committing conversations")
}

// Conversations lists cached summaries, newest activity first.
func (s *Store) Conversations() ([]chat.ConversationSummary, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM conversation ORDER BY last_message_at IS NULL, last_message_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	defer rows.Close()

	var summaries []chat.ConversationSummary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scanning conversation")
		}
		var summary chat.ConversationSummary
		if err := json.Unmarshal([]byte(payload), &summary); err != nil {
			return nil, errors.Wrap(err, "unmarshaling conversation")
		}
		summaries = append(summaries, summary)
	}
	return summaries, errors.Wrap(rows.Err(), "iterating conversations")
}
