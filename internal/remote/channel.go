// Package remote описывает удалённый канал: документная БД с серверным временем,
// курсорной пагинацией, атомарными батчами и живыми подписками с diff по документам.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmsync/internal/model"
)

var (
	ErrNotFound  = errors.New("remote: document not found")
	ErrBadCursor = errors.New("remote: malformed cursor")
	ErrClosed    = errors.New("remote: channel closed")
)

// Channel всё, что синхронизатор и реестр чатов требуют от удалённой стороны.
type Channel interface {
	// CreateChat создаёт чат, если документа с таким id ещё нет. created=false: чат уже был.
	CreateChat(ctx context.Context, c *model.Chat) (created bool, err error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	// WatchUserChats живой запрос «все чаты, где есть userID».
	WatchUserChats(ctx context.Context, userID string, fn func(ChatSnapshot)) (Subscription, error)

	// Commit атомарно применяет батч: либо все документы изменены, либо ни один.
	Commit(ctx context.Context, b Batch) (*model.Message, error)
	GetMessage(ctx context.Context, chatID, messageID string) (*model.Message, error)
	// QueryMessages страница строго старше cursor, новые первыми.
	QueryMessages(ctx context.Context, chatID string, limit int, cursor Cursor) (Page, error)
	// WatchMessages живой запрос последних limit сообщений чата.
	WatchMessages(ctx context.Context, chatID string, limit int, fn func(MessageSnapshot)) (Subscription, error)

	Close(ctx context.Context) error
}

// Batch одна логическая операция над несколькими документами.
// Ровно одно из NewMessage / Patch может быть задано (или ни одного, если меняются только чаты).
type Batch struct {
	// NewMessage создаётся с серверным timestamp; пустой ID назначает сервер.
	NewMessage *model.Message
	Patch      *MessagePatch
	Chats      []ChatUpdate
}

// MessagePatch изменение существующего сообщения.
type MessagePatch struct {
	ChatID    string
	MessageID string
	// Edit заменяет содержимое; editedAt ставит сервер.
	Edit      *Edit
	AddReader string
	Tombstone bool
}

type Edit struct {
	Content          string
	IsEncrypted      bool
	EncryptedContent string
}

// ChatUpdate изменение документа чата внутри батча.
type ChatUpdate struct {
	ChatID string
	// LastMessage заменяет сводку; пустые MessageID и Timestamp берутся из сообщения батча.
	LastMessage *model.LastMessage
	// OnlyIfLast заменить сводку, только если она сейчас указывает на то же сообщение.
	OnlyIfLast      bool
	IncrementUnread []string
	ResetUnread     []string
}

// Validate проверяет согласованность батча до записи.
func (b Batch) Validate() error {
	if b.NewMessage != nil && b.Patch != nil {
		return errors.New("remote: batch carries both a new message and a patch")
	}
	if b.NewMessage == nil && b.Patch == nil && len(b.Chats) == 0 {
		return errors.New("remote: empty batch")
	}
	for _, u := range b.Chats {
		if u.LastMessage != nil && u.LastMessage.MessageID == "" && b.NewMessage == nil && b.Patch == nil {
			return errors.New("remote: last message summary without a message")
		}
	}
	return nil
}

// ResolveSummary дополняет сводку полями сообщения, записанного батчем.
func ResolveSummary(lm model.LastMessage, m *model.Message) model.LastMessage {
	if m == nil {
		return lm
	}
	if lm.MessageID == "" {
		lm.MessageID = m.ID
	}
	if lm.Timestamp.IsZero() {
		lm.Timestamp = m.Timestamp
	}
	return lm
}

// Page результат курсорного запроса.
type Page struct {
	Messages []model.Message // новые первыми
	Cursor   Cursor
	// HasMore страница заполнена целиком; возможно, дальше есть ещё.
	HasMore bool
}

// Cursor непрозрачный указатель на последнее (самое старое) сообщение страницы. Пустой: с начала.
type Cursor string

func NewCursor(m model.Message) Cursor {
	raw := m.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + m.ID
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// Parse разбирает курсор. Для пустого курсора ok=false.
func (c Cursor) Parse() (ts time.Time, id string, ok bool, err error) {
	if c == "" {
		return time.Time{}, "", false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	tsPart, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return time.Time{}, "", false, ErrBadCursor
	}
	ts, err = time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return ts, id, true, nil
}

// Before сообщает, что m строго старше позиции курсора в порядке (timestamp desc, id desc).
func Before(m model.Message, ts time.Time, id string) bool {
	if c := m.Timestamp.Compare(ts); c != 0 {
		return c < 0
	}
	return m.ID < id
}

// NewPage собирает страницу из уже отсортированных (новые первыми) сообщений.
func NewPage(msgs []model.Message, limit int, prev Cursor) Page {
	p := Page{Messages: msgs, Cursor: prev, HasMore: limit > 0 && len(msgs) == limit}
	if len(msgs) > 0 {
		p.Cursor = NewCursor(msgs[len(msgs)-1])
	}
	return p
}
