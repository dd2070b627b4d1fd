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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, temp_id, chat_id, sender_id, sender_username, sender_display_name, sender_avatar_url,
	content, type, timestamp, status, read_by, is_edited, edited_at, is_encrypted, encrypted_content,
	image_data, video_data, file_data, reply_to_id, reply_to_content, reply_to_sender_username`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var (
		typ, status string
		reply       model.ReplyRef
	)
	err := row.Scan(&m.ID, &m.TempID, &m.ChatID, &m.SenderID, &m.SenderUsername, &m.SenderDisplayName, &m.SenderAvatarURL,
		&m.Content, &typ, &m.Timestamp, &status, &m.ReadBy, &m.IsEdited, &m.EditedAt, &m.IsEncrypted, &m.EncryptedContent,
		&m.Image, &m.Video, &m.File, &reply.MessageID, &reply.Content, &reply.SenderUsername)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.Status = model.MessageStatus(status)
	if reply.MessageID != "" {
		m.ReplyTo = &reply
	}
	return m, nil
}

// upsertMessage пишет строку целиком; повторная запись с тем же id заменяет предыдущую.
func upsertMessage(ctx context.Context, db dbtx, m *model.Message) error {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	var reply model.ReplyRef
	if m.ReplyTo != nil {
		reply = *m.ReplyTo
	}
	_, err := db.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO UPDATE SET
		   temp_id = EXCLUDED.temp_id,
		   chat_id = EXCLUDED.chat_id,
		   sender_id = EXCLUDED.sender_id,
		   sender_username = EXCLUDED.sender_username,
		   sender_display_name = EXCLUDED.sender_display_name,
		   sender_avatar_url = EXCLUDED.sender_avatar_url,
		   content = EXCLUDED.content,
		   type = EXCLUDED.type,
		   timestamp = EXCLUDED.timestamp,
		   status = EXCLUDED.status,
		   read_by = EXCLUDED.read_by,
		   is_edited = EXCLUDED.is_edited,
		   edited_at = EXCLUDED.edited_at,
		   is_encrypted = EXCLUDED.is_encrypted,
		   encrypted_content = EXCLUDED.encrypted_content,
		   image_data = EXCLUDED.image_data,
		   video_data = EXCLUDED.video_data,
		   file_data = EXCLUDED.file_data,
		   reply_to_id = EXCLUDED.reply_to_id,
		   reply_to_content = EXCLUDED.reply_to_content,
		   reply_to_sender_username = EXCLUDED.reply_to_sender_username`,
		m.ID, m.TempID, m.ChatID, m.SenderID, m.SenderUsername, m.SenderDisplayName, m.SenderAvatarURL,
		m.Content, string(m.Type), m.Timestamp, string(m.Status), readBy, m.IsEdited, m.EditedAt, m.IsEncrypted, m.EncryptedContent,
		m.Image, m.Video, m.File, reply.MessageID, reply.Content, reply.SenderUsername,
	)
	return err
}

func selectMessageForUpdate(ctx context.Context, tx pgx.Tx, id string) (*model.Message, error) {
	return scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
}

func (r *MessageRepository) InsertMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.InsertMessage", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	if m.ID == "" {
		return storage.ErrEmptyID
	}
	if err := upsertMessage(ctx, r.pool, m); err != nil {
		return fmt.Errorf("msgRepo.InsertMessage: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessage", time.Now())()
	if r.pool == nil {
		return nil, storage.ErrNotInitialized
	}
	m, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetMessage: %w", err)
	}
	return m, nil
}

// GetChatMessages страница от старых к новым; offset отсчитывается от самого нового сообщения.
func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	if r.pool == nil {
		return nil, storage.ErrNotInitialized
	}
	if offset < 0 {
		offset = 0
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT `+messageColumns+` FROM messages
		   WHERE chat_id = $1
		   ORDER BY timestamp DESC, id DESC
		   LIMIT $2 OFFSET $3
		 ) page
		 ORDER BY timestamp ASC, id ASC`, chatID, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}
	return msgs, nil
}

func (r *MessageRepository) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	defer logger.DeferLogDuration("msg.UpdateMessageStatus", time.Now())()
	return r.mutate(ctx, "UpdateMessageStatus", id, func(m *model.Message) {
		m.Status = storage.NextStatus(m.Status, status)
	})
}

func (r *MessageRepository) UpdateMessageID(ctx context.Context, oldID, newID string) error {
	defer logger.DeferLogDuration("msg.UpdateMessageID", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	if newID == "" {
		return storage.ErrEmptyID
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := selectMessageForUpdate(ctx, tx, oldID)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, oldID); err != nil {
			return err
		}
		m.ID = newID
		m.TempID = ""
		existing, err := selectMessageForUpdate(ctx, tx, newID)
		switch {
		case err == nil:
			storage.MergeConfirmed(existing, m)
			return upsertMessage(ctx, tx, existing)
		case errors.Is(err, pgx.ErrNoRows):
			return upsertMessage(ctx, tx, m)
		default:
			return err
		}
	})
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateMessageID: %w", err)
	}
	return nil
}

// ConfirmMessage в одной транзакции удаляет временную запись и пишет подтверждённую.
func (r *MessageRepository) ConfirmMessage(ctx context.Context, tempID string, m *model.Message) error {
	defer logger.DeferLogDuration("msg.ConfirmMessage", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	if m.ID == "" {
		return storage.ErrEmptyID
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1 AND id <> $2`, tempID, m.ID); err != nil {
			return err
		}
		confirmed := m.Clone()
		confirmed.TempID = ""
		existing, err := selectMessageForUpdate(ctx, tx, m.ID)
		switch {
		case err == nil:
			storage.MergeConfirmed(confirmed, existing)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		return upsertMessage(ctx, tx, confirmed)
	})
	if err != nil {
		return fmt.Errorf("msgRepo.ConfirmMessage: %w", err)
	}
	return nil
}

func (r *MessageRepository) MarkMessageAsRead(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("msg.MarkMessageAsRead", time.Now())()
	return r.mutate(ctx, "MarkMessageAsRead", id, func(m *model.Message) {
		m.AddReader(userID)
		if m.IsReadByOther() {
			m.Status = model.MessageStatusRead
		}
	})
}

func (r *MessageRepository) EditMessage(ctx context.Context, id string, edit storage.MessageEdit) error {
	defer logger.DeferLogDuration("msg.EditMessage", time.Now())()
	return r.mutate(ctx, "EditMessage", id, func(m *model.Message) {
		storage.ApplyEdit(m, edit)
	})
}

// DeleteMessage превращает запись в надгробие, строка остаётся.
func (r *MessageRepository) DeleteMessage(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.DeleteMessage", time.Now())()
	return r.mutate(ctx, "DeleteMessage", id, func(m *model.Message) { m.Tombstone() })
}

func (r *MessageRepository) RemoveMessage(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.RemoveMessage", time.Now())()
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("msgRepo.RemoveMessage: %w", err)
	}
	return nil
}

// mutate читает строку под блокировкой, применяет fn и записывает результат.
func (r *MessageRepository) mutate(ctx context.Context, op, id string, fn func(m *model.Message)) error {
	if r.pool == nil {
		return storage.ErrNotInitialized
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := selectMessageForUpdate(ctx, tx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		fn(m)
		return upsertMessage(ctx, tx, m)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("msgRepo.%s: %w", op, err)
	}
	return nil
}
