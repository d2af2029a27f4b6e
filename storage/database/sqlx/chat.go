package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/chat"
)

type (
	conversationRow struct {
		ID             string         `db:"id"`
		TenantID       string         `db:"tenant_id"`
		Participant1ID string         `db:"participant1_id"`
		Participant2ID string         `db:"participant2_id"`
		StudentID      sql.NullString `db:"student_id"`
		LastMessageAt  sql.NullTime   `db:"last_message_at"`
		CreatedAt      time.Time      `db:"created_at"`
	}

	messageRow struct {
		ID             string       `db:"id"`
		ConversationID string       `db:"conversation_id"`
		SenderID       string       `db:"sender_id"`
		Content        string       `db:"content"`
		Status         string       `db:"status"`
		CreatedAt      time.Time    `db:"created_at"`
		DeliveredAt    sql.NullTime `db:"delivered_at"`
		ReadAt         sql.NullTime `db:"read_at"`
	}
)

func (r conversationRow) toConversation() chat.Conversation {
	conv := chat.Conversation{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Participant1ID: r.Participant1ID,
		Participant2ID: r.Participant2ID,
		StudentID:      r.StudentID.String,
		CreatedAt:      r.CreatedAt,
	}
	if r.LastMessageAt.Valid {
		t := r.LastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return conv
}

func (r messageRow) toMessage() chat.Message {
	msg := chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Status:         chat.Status(r.Status),
		CreatedAt:      r.CreatedAt,
	}
	if r.DeliveredAt.Valid {
		t := r.DeliveredAt.Time
		msg.DeliveredAt = &t
	}
	if r.ReadAt.Valid {
		t := r.ReadAt.Time
		msg.ReadAt = &t
	}
	return msg
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// trapNoRows maps psql "no rows" to the domain's not-found sentinel.
func trapNoRows(err, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

type chatRepository struct {
	db *sqlx.DB
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *sqlx.DB) chat.Repository {
	return &chatRepository{db: db}
}

func (repo *chatRepository) GetConversationByPair(ctx context.Context, tenantID, a, b, studentID string) (chat.Conversation, error) {
	const q = `SELECT * FROM conversation
	           WHERE tenant_id = $1
	             AND least(participant1_id, participant2_id) = least($2::uuid, $3::uuid)
	             AND greatest(participant1_id, participant2_id) = greatest($2::uuid, $3::uuid)
	             AND COALESCE(student_id::text, '') = $4`
	var row conversationRow
	if err := repo.db.GetContext(ctx, &row, q, tenantID, a, b, studentID); err != nil {
		return chat.Conversation{}, trapNoRows(err, chat.ErrNotFound, "fetching conversation by pair")
	}
	return row.toConversation(), nil
}

func (repo *chatRepository) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	const q = `INSERT INTO conversation
	           (id, tenant_id, participant1_id, participant2_id, student_id, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := repo.db.ExecContext(ctx, q,
		conv.ID, conv.TenantID, conv.Participant1ID, conv.Participant2ID,
		nullStr(conv.StudentID), conv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return chat.Conversation{}, chat.ErrDuplicateConvers
		}
		return chat.Conversation{}, errors.Wrap(err, "inserting conversation")
	}
	return conv, nil
}

func (repo *chatRepository) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var row conversationRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM conversation WHERE id = $1`, id); err != nil {
		return chat.Conversation{}, trapNoRows(err, chat.ErrNotFound, "fetching conversation")
	}
	return row.toConversation(), nil
}

func (repo *chatRepository) QueryConversations(ctx context.Context, tenantID, userID string) ([]chat.Conversation, error) {
	const q = `SELECT * FROM conversation
	           WHERE tenant_id = $1 AND (participant1_id = $2 OR participant2_id = $2)`
	rows := []conversationRow{}
	if err := repo.db.SelectContext(ctx, &rows, q, tenantID, userID); err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	convs := make([]chat.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, row.toConversation())
	}
	return convs, nil
}

func (repo *chatRepository) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "beginning tx")
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO message (id, conversation_id, sender_id, content, status, created_at)
	                VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err = tx.ExecContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Status), msg.CreatedAt,
	); err != nil {
		return chat.Message{}, errors.Wrap(err, "inserting message")
	}

	const bump = `UPDATE conversation SET last_message_at = $2 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, bump, msg.ConversationID, msg.CreatedAt); err != nil {
		return chat.Message{}, errors.Wrap(err, "bumping last_message_at")
	}

	if err = tx.Commit(); err != nil {
		return chat.Message{}, errors.Wrap(err, "committing message")
	}
	return msg, nil
}

func (repo *chatRepository) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	var row messageRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM message WHERE id = $1`, id); err != nil {
		return chat.Message{}, trapNoRows(err, chat.ErrNotFound, "fetching message")
	}
	return row.toMessage(), nil
}

func (repo *chatRepository) GetConversationMessages(ctx context.Context, conversationID string, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT * FROM message WHERE conversation_id = $1 AND id = ANY($2)`
	rows := []messageRow{}
	if err := repo.db.SelectContext(ctx, &rows, q, conversationID, pq.Array(ids)); err != nil {
		return nil, errors.Wrap(err, "querying messages by ids")
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

func (repo *chatRepository) QueryMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	rows := []messageRow{}
	var err error
	if before.IsZero() {
		const q = `SELECT * FROM message WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`
		err = repo.db.SelectContext(ctx, &rows, q, conversationID, limit)
	} else {
		const q = `SELECT * FROM message WHERE conversation_id = $1 AND created_at < $2
		           ORDER BY created_at DESC LIMIT $3`
		err = repo.db.SelectContext(ctx, &rows, q, conversationID, before, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

func (repo *chatRepository) AdvanceMessageStatus(ctx context.Context, id string, to chat.Status, now time.Time) (chat.Message, bool, error) {
	// forward-only transition, enforced in the row update itself: the rank
	// guard rejects regressions and COALESCE keeps the first stamp of each
	// timestamp, whichever caller raced in first.
	const q = `UPDATE message
	           SET status = $2,
	               delivered_at = COALESCE(delivered_at, $3),
	               read_at = COALESCE(read_at, $4)
	           WHERE id = $1
	             AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
	               < CASE $2::text WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
	           RETURNING *`

	readAt := sql.NullTime{Time: now, Valid: to == chat.StatusRead}
	var row messageRow
	err := repo.db.GetContext(ctx, &row, q, id, string(to), now, readAt)
	if err == sql.ErrNoRows {
		// absent, or already at or past `to`; settle which with a plain read
		msg, err := repo.GetMessage(ctx, id)
		if err != nil {
			return chat.Message{}, false, err
		}
		return msg, false, nil
	}
	if err != nil {
		return chat.Message{}, false, errors.Wrap(err, "advancing message status")
	}
	return row.toMessage(), true, nil
}

func (repo *chatRepository) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM message
	           WHERE conversation_id = $1 AND sender_id <> $2 AND status <> 'read'`
	var count int
	if err := repo.db.GetContext(ctx, &count, q, conversationID, userID); err != nil {
		return 0, errors.Wrap(err, "counting unread")
	}
	return count, nil
}

func (repo *chatRepository) LastMessage(ctx context.Context, conversationID string) (chat.Message, error) {
	const q = `SELECT * FROM message WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`
	var row messageRow
	if err := repo.db.GetContext(ctx, &row, q, conversationID); err != nil {
		return chat.Message{}, trapNoRows(err, chat.ErrNotFound, "fetching last message")
	}
	return row.toMessage(), nil
}
