package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dmsync/internal/model"
)

var (
	// ErrNotFound строки с таким id нет в локальном кеше.
	ErrNotFound = errors.New("not found")
	// ErrNotInitialized хранилище не открыто. Ошибка конфигурации, повторять бессмысленно.
	ErrNotInitialized = errors.New("local store is not initialized")
)

// LocalStore локальный кеш чатов и сообщений (offline-first чтение).
// Реализации: repository.Store (Postgres), memory.Store (тесты и -dev без БД).
// Изменяется только синхронизатором и реестром чатов.
type LocalStore interface {
	UpsertChat(ctx context.Context, c *model.Chat) error
	GetChatByID(ctx context.Context, id string) (*model.Chat, error)
	// GetUserChats чаты пользователя по последней активности (новые сверху).
	GetUserChats(ctx context.Context, userID string) ([]model.ChatListItem, error)
	UpdateChatLastMessage(ctx context.Context, chatID string, lm model.LastMessage) error
	SetUnreadCount(ctx context.Context, chatID, userID string, n int) error

	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetChatMessages возвращает страницу от старых к новым; offset считается от самого нового сообщения.
	GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error
	UpdateMessageID(ctx context.Context, oldID, newID string) error
	// ConfirmMessage атомарно заменяет запись с временным id подтверждённой записью.
	ConfirmMessage(ctx context.Context, tempID string, m *model.Message) error
	MarkMessageAsRead(ctx context.Context, id, userID string) error
	EditMessage(ctx context.Context, id string, edit MessageEdit) error
	DeleteMessage(ctx context.Context, id string) error
	// RemoveMessage удаляет строку полностью (откат оптимистичной записи, removed из удалённого канала).
	RemoveMessage(ctx context.Context, id string) error
}

// MessageEdit новое содержимое сообщения после редактирования.
type MessageEdit struct {
	Content          string
	IsEncrypted      bool
	EncryptedContent string
	EditedAt         time.Time
}

// Directory контакты и профили пользователей.
// Реализации: redis.Client, memory.Directory (для -dev без Redis).
type Directory interface {
	IsContact(ctx context.Context, userID, otherID string) (bool, error)
	AddContact(ctx context.Context, userID, otherID string) error
	RemoveContact(ctx context.Context, userID, otherID string) error
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	PutProfile(ctx context.Context, p *model.Profile) error
	Close() error
}
