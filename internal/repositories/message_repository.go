package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/transport"
)

const messageColumns = `id, chat_id, sender_id, content, file_url, COALESCE(client_ref, '') AS client_ref,
    is_edited, deleted, created_at, updated_at`

type messageRow struct {
	models.Message
	Readers pq.StringArray `db:"reader_ids"`
}

func (r messageRow) toModel() models.Message {
	m := r.Message
	m.ReaderIDs = nil
	m.AddReaders(r.Readers...)
	m.Status = models.StatusConfirmed
	return m
}

// MessageRepo serves snapshots and applies writes against Postgres.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Fetch returns a conversation's history, tombstones included, ordered by
// (created_at, id) with the ids of users who have read each message.
func (r *MessageRepo) Fetch(ctx context.Context, conversationID string) ([]models.Message, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, conversationID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, errs.ErrNotFound)
	}

	query := `SELECT m.id, m.chat_id, m.sender_id, m.content, m.file_url, COALESCE(m.client_ref, '') AS client_ref,
            m.is_edited, m.deleted, m.created_at, m.updated_at,
            COALESCE(array_agg(r.user_id ORDER BY r.user_id) FILTER (WHERE r.user_id IS NOT NULL), '{}') AS reader_ids
        FROM messages m
        LEFT JOIN message_read_status r ON r.message_id = m.id
        WHERE m.chat_id=$1
        GROUP BY m.id
        ORDER BY m.created_at ASC, m.id ASC`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, conversationID); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs, nil
}

// CreateMessage inserts a draft. A draft whose client_ref was already stored
// returns the stored row, so retries never duplicate.
func (r *MessageRepo) CreateMessage(ctx context.Context, draft models.Draft) (models.Message, error) {
	query := `WITH ins AS (
            INSERT INTO messages (chat_id, sender_id, content, file_url, client_ref)
            VALUES ($1, $2, $3, $4, NULLIF($5, ''))
            ON CONFLICT (client_ref) DO NOTHING
            RETURNING ` + messageColumns + `
        )
        SELECT * FROM ins
        UNION ALL
        SELECT ` + messageColumns + ` FROM messages WHERE client_ref = NULLIF($5, '') AND NOT EXISTS (SELECT 1 FROM ins)
        LIMIT 1`
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, query, draft.ConversationID, draft.SenderID, draft.Body, draft.AttachmentURL, draft.ClientRef)
	if err != nil {
		return models.Message{}, mapError(err)
	}
	msg.Status = models.StatusConfirmed
	return msg, nil
}

// UpdateMessage applies a patch and marks the message edited.
func (r *MessageRepo) UpdateMessage(ctx context.Context, messageID string, patch models.Patch) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET content=$2, is_edited=TRUE, updated_at=NOW()
        WHERE id=$1 AND deleted=FALSE
        RETURNING `+messageColumns, messageID, patch.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.missing(ctx, messageID)
	}
	if err != nil {
		return models.Message{}, mapError(err)
	}
	msg.Status = models.StatusConfirmed
	return msg, nil
}

// DeleteMessage tombstones a message. Deleting a tombstone is a no-op.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted=TRUE, content=NULL, file_url=NULL, updated_at=NOW()
        WHERE id=$1 AND deleted=FALSE`, messageID)
	if err != nil {
		return mapError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	err = r.missing(ctx, messageID)
	if errors.Is(err, errs.ErrConflict) {
		return nil
	}
	return err
}

// AppendReadReceipt records that userID read messageID.
func (r *MessageRepo) AppendReadReceipt(ctx context.Context, messageID, userID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_read_status (message_id, user_id) VALUES ($1, $2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID)
	return mapError(err)
}

// missing explains why a conditional update touched no rows.
func (r *MessageRepo) missing(ctx context.Context, messageID string) error {
	var deleted bool
	err := r.db.GetContext(ctx, &deleted, `SELECT deleted FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, errs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if deleted {
		return fmt.Errorf("message %s deleted: %w", messageID, errs.ErrConflict)
	}
	return fmt.Errorf("message %s: %w", messageID, errs.ErrConflict)
}

// mapError translates constraint violations into store sentinels.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23503":
		return fmt.Errorf("%s: %w", pqErr.Message, errs.ErrNotFound)
	case "23505", "40001":
		return fmt.Errorf("%s: %w", pqErr.Message, errs.ErrConflict)
	}
	return err
}

var (
	_ transport.SnapshotSource = (*MessageRepo)(nil)
	_ transport.RemoteWriter   = (*MessageRepo)(nil)
)
