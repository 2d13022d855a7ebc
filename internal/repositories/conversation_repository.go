package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/transport"
)

type conversationRow struct {
	ID            string       `db:"id"`
	Kind          string       `db:"kind"`
	Name          string       `db:"name"`
	AvatarURL     *string      `db:"avatar_url"`
	LastMessageID string       `db:"last_message_id"`
	Preview       string       `db:"last_message_preview"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
	UnreadCount   int          `db:"unread_count"`
}

// ConversationRepo lists and creates conversations.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// ListConversations returns every conversation userID belongs to together
// with its last visible message and the user's unread count, in one query.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error) {
	query := `SELECT c.id, c.kind, c.name, c.avatar_url,
            COALESCE(last.id, '') AS last_message_id,
            COALESCE(last.content, '') AS last_message_preview,
            last.created_at AS last_message_at,
            COALESCE(unread.n, 0) AS unread_count
        FROM conversation_members cm
        JOIN conversations c ON c.id = cm.conversation_id
        LEFT JOIN LATERAL (
            SELECT m.id, m.content, m.created_at FROM messages m
            WHERE m.chat_id = c.id AND m.deleted = FALSE
            ORDER BY m.created_at DESC, m.id DESC
            LIMIT 1
        ) last ON TRUE
        LEFT JOIN LATERAL (
            SELECT COUNT(*) AS n FROM messages m
            WHERE m.chat_id = c.id AND m.deleted = FALSE AND m.sender_id <> $1
            AND NOT EXISTS (SELECT 1 FROM message_read_status s WHERE s.message_id = m.id AND s.user_id = $1)
        ) unread ON TRUE
        WHERE cm.user_id = $1
        ORDER BY last.created_at DESC NULLS LAST, c.name ASC`
	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(rows))
	for _, row := range rows {
		v := models.ConversationView{
			Conversation: models.Conversation{
				ID:        row.ID,
				Kind:      models.ConversationKind(row.Kind),
				Name:      row.Name,
				AvatarURL: row.AvatarURL,
			},
			Summary: models.Summary{
				ConversationID:     row.ID,
				LastMessageID:      row.LastMessageID,
				LastMessagePreview: row.Preview,
				UnreadCount:        row.UnreadCount,
			},
		}
		if row.LastMessageAt.Valid {
			v.Summary.LastMessageAt = row.LastMessageAt.Time
		}
		views = append(views, v)
	}
	return views, nil
}

// CreateConversation stores a conversation and its members in one
// transaction. A direct conversation needs exactly two members.
func (r *ConversationRepo) CreateConversation(ctx context.Context, kind models.ConversationKind, name string, memberIDs []string) (models.Conversation, error) {
	if kind != models.KindDirect && kind != models.KindGroup {
		return models.Conversation{}, errs.Invalid("kind", fmt.Sprintf("unknown kind %q", kind))
	}
	if kind == models.KindDirect && len(memberIDs) != 2 {
		return models.Conversation{}, errs.Invalid("members", "direct conversations have two members")
	}
	if len(memberIDs) == 0 {
		return models.Conversation{}, errs.Invalid("members", "no members")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	var conv models.Conversation
	if err := tx.GetContext(ctx, &conv, `INSERT INTO conversations (kind, name) VALUES ($1, $2) RETURNING id, kind, name, avatar_url`, kind, name); err != nil {
		return models.Conversation{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, user_id)
        SELECT $1::text, unnest($2::text[]) ON CONFLICT DO NOTHING`, conv.ID, pq.Array(memberIDs)); err != nil {
		return models.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

var _ transport.Directory = (*ConversationRepo)(nil)
