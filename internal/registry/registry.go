// Package registry ведёт метаданные чатов: детерминированные id, участники,
// сводка последнего сообщения, счётчики непрочитанного и живой список чатов пользователя.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/transform"
)

const secretPrefix = "secret_"

var ErrSelfChat = errors.New("registry: cannot create a chat with yourself")

// ChatID отсортированная пара id через "_"; секретные чаты с префиксом secret_.
func ChatID(a, b string, secret bool) (string, error) {
	if a == "" || b == "" {
		return "", errors.New("registry: participant id is empty")
	}
	if a == b {
		return "", ErrSelfChat
	}
	pair := []string{a, b}
	sort.Strings(pair)
	id := strings.Join(pair, "_")
	if secret {
		id = secretPrefix + id
	}
	return id, nil
}

// IsSecretID сообщает, что id принадлежит секретному чату.
func IsSecretID(chatID string) bool {
	return strings.HasPrefix(chatID, secretPrefix)
}

type Registry struct {
	remote     remote.Channel
	local      storage.LocalStore
	transforms *transform.Resolver
}

func New(rc remote.Channel, local storage.LocalStore, transforms *transform.Resolver) *Registry {
	if transforms == nil {
		transforms = transform.NewResolver(nil)
	}
	return &Registry{remote: rc, local: local, transforms: transforms}
}

func details(p *model.Profile) model.ParticipantDetails {
	return model.ParticipantDetails{Username: p.Username, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

// CreateChat создаёт чат, если его ещё нет, и возвращает его id.
// Снимок профилей участников берётся в момент создания и дальше не обновляется.
func (r *Registry) CreateChat(ctx context.Context, self, other *model.Profile, secret bool) (string, error) {
	const op = "registry.CreateChat"
	if self == nil || other == nil {
		return "", apperr.Validation(op, errors.New("both participant profiles are required"))
	}
	id, err := ChatID(self.ID, other.ID, secret)
	if err != nil {
		return "", apperr.Validation(op, err)
	}
	chat := &model.Chat{
		ID:           id,
		Participants: []string{self.ID, other.ID},
		ParticipantDetails: map[string]model.ParticipantDetails{
			self.ID:  details(self),
			other.ID: details(other),
		},
		UnreadCount:       map[string]int{self.ID: 0, other.ID: 0},
		IsSecretChat:      secret,
		EncryptionEnabled: secret,
	}
	created, err := r.remote.CreateChat(ctx, chat)
	if err != nil {
		return "", apperr.Network(op, err)
	}
	if created {
		logger.Infof("chat created id=%s", id)
	}
	stored, err := r.remote.GetChat(ctx, id)
	if err != nil {
		return "", apperr.Network(op, err)
	}
	if err := r.mirror(ctx, stored); err != nil {
		return "", apperr.Storage(op, err)
	}
	return id, nil
}

// Chat возвращает чат из локального кеша, а при промахе: из удалённого канала (с зеркалированием).
func (r *Registry) Chat(ctx context.Context, chatID string) (*model.Chat, error) {
	const op = "registry.Chat"
	c, err := r.local.GetChatByID(ctx, chatID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Storage(op, err)
	}
	c, err = r.remote.GetChat(ctx, chatID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, apperr.NotFound(op, fmt.Errorf("chat %s", chatID))
	}
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	if err := r.mirror(ctx, c); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return c, nil
}

// Chats список чатов пользователя из локального кеша.
func (r *Registry) Chats(ctx context.Context, userID string) ([]model.ChatListItem, error) {
	items, err := r.local.GetUserChats(ctx, userID)
	if err != nil {
		return nil, apperr.Storage("registry.Chats", err)
	}
	return items, nil
}

// mirror пишет удалённый документ в локальный кеш, расшифровывая сводку для показа.
func (r *Registry) mirror(ctx context.Context, c *model.Chat) error {
	local := c.Clone()
	r.openSummary(local)
	return r.local.UpsertChat(ctx, local)
}

func (r *Registry) openSummary(c *model.Chat) {
	if c.LastMessage == nil || !c.LastMessage.IsEncrypted {
		return
	}
	cc := transform.ContextOf(c)
	tr, err := r.transforms.For(cc)
	if err == nil {
		err = transform.OpenSummary(tr, c.LastMessage, cc)
	} else {
		c.LastMessage.Content = model.DecryptFailedPlaceholder
	}
	if err != nil {
		logger.Errorf("registry: chat %s summary: %v", c.ID, err)
	}
}

// IncrementUnreadCount атомарно увеличивает счётчик userID на удалённой стороне и повторяет значение локально.
func (r *Registry) IncrementUnreadCount(ctx context.Context, chatID, userID string) error {
	const op = "registry.IncrementUnreadCount"
	if _, err := r.remote.Commit(ctx, remote.Batch{Chats: []remote.ChatUpdate{{ChatID: chatID, IncrementUnread: []string{userID}}}}); err != nil {
		return classify(op, err)
	}
	c, err := r.remote.GetChat(ctx, chatID)
	if err != nil {
		return classify(op, err)
	}
	return r.setLocalUnread(ctx, op, chatID, userID, c.Unread(userID))
}

// MarkChatAsRead обнуляет счётчик userID.
func (r *Registry) MarkChatAsRead(ctx context.Context, chatID, userID string) error {
	const op = "registry.MarkChatAsRead"
	if _, err := r.remote.Commit(ctx, remote.Batch{Chats: []remote.ChatUpdate{{ChatID: chatID, ResetUnread: []string{userID}}}}); err != nil {
		return classify(op, err)
	}
	return r.setLocalUnread(ctx, op, chatID, userID, 0)
}

func (r *Registry) setLocalUnread(ctx context.Context, op, chatID, userID string, n int) error {
	err := r.local.SetUnreadCount(ctx, chatID, userID, n)
	if errors.Is(err, storage.ErrNotFound) {
		// Чата ещё нет в кеше: его принесёт подписка на список чатов.
		return nil
	}
	if err != nil {
		return apperr.Storage(op, err)
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, remote.ErrNotFound) {
		return apperr.NotFound(op, err)
	}
	return apperr.Network(op, err)
}

// ChatsListener получает список чатов пользователя после каждого изменения.
type ChatsListener func(items []model.ChatListItem)

type chatsSubscription struct {
	closed atomic.Bool
	once   sync.Once
	inner  remote.Subscription
}

func (s *chatsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.inner != nil {
			s.inner.Unsubscribe()
		}
	})
}

// ListenToUserChats подписывается на «все чаты с userID», зеркалирует изменения в локальный кеш
// и отдаёт проекцию, отсортированную по последней активности. После отписки колбэки игнорируются.
func (r *Registry) ListenToUserChats(ctx context.Context, userID string, fn ChatsListener) (remote.Subscription, error) {
	sub := &chatsSubscription{}
	inner, err := r.remote.WatchUserChats(ctx, userID, func(snap remote.ChatSnapshot) {
		if sub.closed.Load() {
			return
		}
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, ch := range snap.Changes {
			if ch.Kind == remote.Removed {
				continue
			}
			c := ch.Doc
			if err := r.mirror(mctx, &c); err != nil {
				logger.Errorf("registry: mirror chat %s: %v", c.ID, err)
			}
		}
		if sub.closed.Load() {
			return
		}
		fn(r.project(snap.Docs, userID))
	})
	if err != nil {
		return nil, apperr.Network("registry.ListenToUserChats", err)
	}
	sub.inner = inner
	if sub.closed.Load() {
		inner.Unsubscribe()
	}
	return sub, nil
}

func (r *Registry) project(chats []model.Chat, viewerID string) []model.ChatListItem {
	items := make([]model.ChatListItem, 0, len(chats))
	for i := range chats {
		c := chats[i].Clone()
		if !slices.Contains(c.Participants, viewerID) {
			continue
		}
		r.openSummary(c)
		items = append(items, model.NewChatListItem(c, viewerID))
	}
	model.SortByActivity(items)
	return items
}
