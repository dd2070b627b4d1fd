package synchronizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/transform"
)

// ChatSession открытый чат: видимый список и подписка на удалённый поток сообщений.
// Пока сессия открыта, входящие сообщения сразу отмечаются прочитанными.
type ChatSession struct {
	s      *Synchronizer
	chat   *model.Chat
	cc     transform.ChatContext
	gen    uint64
	view   *MessageList
	ctx    context.Context
	cancel context.CancelFunc

	sub       remote.Subscription // под s.mu
	unobserve func()
	closed    atomic.Bool
	once      sync.Once

	// primed первый снимок подписки уже обработан. Меняется только из горутины доставки.
	primed bool
}

func (cs *ChatSession) ChatID() string        { return cs.chat.ID }
func (cs *ChatSession) View() *MessageList    { return cs.view }
func (cs *ChatSession) Chat() *model.Chat     { return cs.chat.Clone() }
func (cs *ChatSession) Generation() uint64    { return cs.gen }
func (cs *ChatSession) Done() <-chan struct{} { return cs.ctx.Done() }

// active сессия не закрыта и всё ещё текущая для своего чата.
func (cs *ChatSession) active() bool {
	if cs.closed.Load() {
		return false
	}
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	cur := cs.s.sessions[cs.chat.ID]
	return cur != nil && cur.gen == cs.gen
}

// Close отписывается от потока; колбэки, пришедшие позже, игнорируются.
func (cs *ChatSession) Close() {
	cs.once.Do(func() {
		cs.closed.Store(true)
		cs.cancel()
		cs.s.mu.Lock()
		sub := cs.sub
		if cur := cs.s.sessions[cs.chat.ID]; cur == cs {
			delete(cs.s.sessions, cs.chat.ID)
		}
		cs.s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		cs.unobserve()
		cs.s.metrics.ChatClosed()
	})
}

// OpenChat показывает последнюю страницу из локального кеша, подписывается на удалённый поток
// и сбрасывает счётчик непрочитанного. Повторное открытие заменяет прежнюю сессию.
func (s *Synchronizer) OpenChat(ctx context.Context, chatID string) (*ChatSession, error) {
	const op = "sync.OpenChat"
	chat, err := s.chatFor(ctx, op, chatID)
	if err != nil {
		return nil, err
	}
	cached, err := s.local.GetChatMessages(ctx, chatID, s.cfg.PageSize, 0)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs := &ChatSession{
		s:      s,
		chat:   chat,
		cc:     transform.ContextOf(chat),
		view:   NewMessageList(chatID),
		ctx:    sctx,
		cancel: cancel,
	}
	cs.unobserve = cs.view.Subscribe(func(msgs []model.Message) {
		s.notify(chatID, msgs)
	})
	cs.view.Replace(cached)

	s.mu.Lock()
	s.gen++
	cs.gen = s.gen
	prev := s.sessions[chatID]
	s.sessions[chatID] = cs
	s.mu.Unlock()
	s.metrics.ChatOpened()
	if prev != nil {
		prev.Close()
	}
	s.settlePending(ctx, cs)

	sub, err := s.remote.WatchMessages(sctx, chatID, s.cfg.IngestLimit, func(snap remote.MessageSnapshot) {
		s.ingest(cs, snap)
	})
	if err != nil {
		cs.Close()
		return nil, classify(op, err)
	}
	s.mu.Lock()
	cs.sub = sub
	s.mu.Unlock()
	if cs.closed.Load() {
		sub.Unsubscribe()
	}

	if err := s.registry.MarkChatAsRead(ctx, chatID, s.me()); err != nil {
		logger.Errorf("sync: open %s: reset unread: %v", chatID, err)
	}
	return cs, nil
}

// settlePending убирает временные записи, чья отправка завершилась между чтением кеша
// и регистрацией сессии. Подтверждённая копия приходит с первым снимком подписки.
func (s *Synchronizer) settlePending(ctx context.Context, cs *ChatSession) {
	for _, e := range cs.view.Entries() {
		if e.Phase != Pending {
			continue
		}
		if _, err := s.local.GetMessage(ctx, e.Message.ID); errors.Is(err, storage.ErrNotFound) {
			cs.view.Remove(e.Message.ID)
		}
	}
}

// CloseChat закрывает текущую сессию чата, если она есть.
func (s *Synchronizer) CloseChat(chatID string) {
	if cs := s.Session(chatID); cs != nil {
		cs.Close()
	}
}
