package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

const chatColumns = `id, participants, participant_details,
	last_message_id, last_message_content, last_message_sender_id, last_message_sender_username,
	last_message_timestamp, last_message_type, last_message_is_encrypted,
	last_activity, unread_count, is_secret_chat, encryption_enabled, created_at`

func scanChat(row pgx.Row) (*model.Chat, error) {
	c := &model.Chat{}
	var (
		lm     model.LastMessage
		lmTS   *time.Time
		lmType string
	)
	err := row.Scan(&c.ID, &c.Participants, &c.ParticipantDetails,
		&lm.MessageID, &lm.Content, &lm.SenderID, &lm.SenderUsername,
		&lmTS, &lmType, &lm.IsEncrypted,
		&c.LastActivity, &c.UnreadCount, &c.IsSecretChat, &c.EncryptionEnabled, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lmTS != nil {
		lm.Timestamp = *lmTS
		lm.Type = model.MessageType(lmType)
		c.LastMessage = &lm
	}
	return c, nil
}

func lastMessageArgs(lm *model.LastMessage) []any {
	if lm == nil {
		return []any{"", "", "", "", nil, "", false}
	}
	return []any{lm.MessageID, lm.Content, lm.SenderID, lm.SenderUsername, lm.Timestamp, string(lm.Type), lm.IsEncrypted}
}

// UpsertChat перезаписывает строку чата целиком (зеркало удалённого снимка).
func (r *ChatRepository) UpsertChat(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.UpsertChat", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	participants := c.Participants
	if participants == nil {
		participants = []string{}
	}
	details := c.ParticipantDetails
	if details == nil {
		details = map[string]model.ParticipantDetails{}
	}
	unread := c.UnreadCount
	if unread == nil {
		unread = map[string]int{}
	}
	args := []any{c.ID, participants, details}
	args = append(args, lastMessageArgs(c.LastMessage)...)
	args = append(args, c.LastActivity, unread, c.IsSecretChat, c.EncryptionEnabled, c.CreatedAt)
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (`+chatColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   participants = EXCLUDED.participants,
		   participant_details = EXCLUDED.participant_details,
		   last_message_id = EXCLUDED.last_message_id,
		   last_message_content = EXCLUDED.last_message_content,
		   last_message_sender_id = EXCLUDED.last_message_sender_id,
		   last_message_sender_username = EXCLUDED.last_message_sender_username,
		   last_message_timestamp = EXCLUDED.last_message_timestamp,
		   last_message_type = EXCLUDED.last_message_type,
		   last_message_is_encrypted = EXCLUDED.last_message_is_encrypted,
		   last_activity = EXCLUDED.last_activity,
		   unread_count = EXCLUDED.unread_count,
		   is_secret_chat = EXCLUDED.is_secret_chat,
		   encryption_enabled = EXCLUDED.encryption_enabled`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpsertChat: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetChatByID", time.Now())()
	if r.pool == nil {
		return nil, storage.ErrNotInitialized
	}
	c, err := scanChat(r.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetChatByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.ChatListItem, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	if r.pool == nil {
		return nil, storage.ErrNotInitialized
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM chats
		 WHERE participants @> jsonb_build_array($1::text)
		 ORDER BY last_activity DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats: %w", err)
	}
	defer rows.Close()

	items := make([]model.ChatListItem, 0, 16)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		items = append(items, model.NewChatListItem(c, userID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return items, nil
}

// UpdateChatLastMessage принимает сводку по тем же правилам, что storage.AcceptsLastMessage:
// та же запись заменяется всегда, чужая только если она не старее текущей.
func (r *ChatRepository) UpdateChatLastMessage(ctx context.Context, chatID string, lm model.LastMessage) error {
	defer logger.DeferLogDuration("chat.UpdateChatLastMessage", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE chats SET
		   last_message_id = $2, last_message_content = $3, last_message_sender_id = $4,
		   last_message_sender_username = $5, last_message_timestamp = $6,
		   last_message_type = $7, last_message_is_encrypted = $8,
		   last_activity = GREATEST(last_activity, $6)
		 WHERE id = $1 AND (
		   last_message_timestamp IS NULL
		   OR (last_message_id <> '' AND last_message_id = $2)
		   OR last_message_timestamp <= $6)`,
		chatID, lm.MessageID, lm.Content, lm.SenderID, lm.SenderUsername, lm.Timestamp, string(lm.Type), lm.IsEncrypted,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateChatLastMessage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.exists(ctx, chatID)
}

func (r *ChatRepository) SetUnreadCount(ctx context.Context, chatID, userID string, n int) error {
	defer logger.DeferLogDuration("chat.SetUnreadCount", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE chats SET unread_count = jsonb_set(unread_count, ARRAY[$2::text], to_jsonb($3::int), true)
		 WHERE id = $1`, chatID, userID, n)
	if err != nil {
		return fmt.Errorf("chatRepo.SetUnreadCount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// exists возвращает ErrNotFound, если чата нет (сводка могла быть просто отклонена как устаревшая).
func (r *ChatRepository) exists(ctx context.Context, chatID string) error {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&ok); err != nil {
		return fmt.Errorf("chatRepo.exists: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}
