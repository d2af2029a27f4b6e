package localdb

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Action kinds queued in the outbox.
const (
	ActionSendMessage = "send_message"
	ActionMarkRead    = "mark_read"
)

// Action is one user operation captured while offline (or in flight), queued
// for replay against the server in the order it was taken.
type Action struct {
	ID             string
	Kind           string
	ConversationID string
	Content        string   // send_message only
	MessageIDs     []string // mark_read only
	Retries        int
	CreatedAt      time.Time
}

// EnqueueAction appends the action to the durable outbox.
func (s *Store) EnqueueAction(a Action) error {
	ids, err := json.Marshal(a.MessageIDs)
	if err != nil {
		return errors.Wrap(err, "marshaling message ids")
	}
	_, err = s.db.Exec(
		`INSERT INTO outbox (id, kind, conversation_id, content, message_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.ConversationID, a.Content, string(ids), a.CreatedAt.UnixNano(),
	)
	return errors.Wrap(err, "enqueuing action")
}

// PendingActions returns queued actions oldest first. Failed actions are
// excluded; they stay on record until acknowledged by the app.
func (s *Store) PendingActions() ([]Action, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, conversation_id, content, message_ids, retries, created_at
		 FROM outbox WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending actions")
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var ids string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Kind, &a.ConversationID, &a.Content, &ids, &a.Retries, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning action")
		}
		if ids != "" {
			if err := json.Unmarshal([]byte(ids), &a.MessageIDs); err != nil {
				return nil, errors.Wrap(err, "unmarshaling message ids")
			}
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		actions = append(actions, a)
	}
	return actions, errors.Wrap(rows.Err(), "iterating actions")
}

// DeleteAction removes a completed action.
func (s *Store) DeleteAction(id string) error {
	_, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return errors.Wrap(err, "deleting action")
}

// MarkActionFailed flags an action as definitively rejected by the server so
// it is never retried, keeping the rejection available for the UI to surface.
func (s *Store) MarkActionFailed(id, errMsg string) error {
	_, err := s.db.Exec(`UPDATE outbox SET status = 'failed', error = ? WHERE id = ?`, errMsg, id)
	return errors.Wrap(err, "marking action failed")
}

// BumpActionRetries increments the retry counter after a transient failure.
func (s *Store) BumpActionRetries(id string) error {
	_, err := s.db.Exec(`UPDATE outbox SET retries = retries + 1 WHERE id = ?`, id)
	return errors.Wrap(err, "bumping action retries")
}

// FailedActions returns actions the server definitively rejected.
func (s *Store) FailedActions() ([]Action, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, conversation_id, content, message_ids, retries, created_at
		 FROM outbox WHERE status = 'failed' ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "querying failed actions")
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var ids string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Kind, &a.ConversationID, &a.Content, &ids, &a.Retries, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning action")
		}
		if ids != "" {
			if err := json.Unmarshal([]byte(ids), &a.MessageIDs); err != nil {
				return nil, errors.Wrap(err, "unmarshaling message ids")
			}
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		actions = append(actions, a)
	}
	return actions, errors.Wrap(rows.Err(), "iterating actions")
}

// PendingCount reports how many actions await replay.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&count)
	return count, errors.Wrap(err, "counting pending actions")
}
