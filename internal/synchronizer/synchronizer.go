// Package synchronizer сводит удалённый поток сообщений с локальным кешем:
// оптимистичная отправка, приём изменений, пагинация назад, отметки о прочтении,
// редактирование и удаление, замена временных id на серверные.
package synchronizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/media"
	"github.com/dmsync/internal/metrics"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/registry"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/transform"
)

const tempPrefix = "temp_"

type Config struct {
	PageSize      int
	IngestLimit   int
	RetryAttempts int
	RetryBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{PageSize: 20, IngestLimit: 50, RetryAttempts: 3, RetryBackoff: 500 * time.Millisecond}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.IngestLimit <= 0 {
		c.IngestLimit = d.IngestLimit
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// Deps зависимости синхронизатора. Media и Metrics необязательны.
type Deps struct {
	Local      storage.LocalStore
	Remote     remote.Channel
	Registry   *registry.Registry
	Identity   identity.Provider
	Auth       identity.Authorizer
	Transforms *transform.Resolver
	Media      media.Processor
	Metrics    *metrics.Metrics
}

// Observer получает видимый список открытого чата после каждого изменения.
type Observer interface {
	MessagesChanged(chatID string, msgs []model.Message)
}

type Synchronizer struct {
	cfg        Config
	local      storage.LocalStore
	remote     remote.Channel
	registry   *registry.Registry
	ident      identity.Provider
	auth       identity.Authorizer
	transforms *transform.Resolver
	media      media.Processor
	metrics    *metrics.Metrics

	mu        sync.Mutex
	sessions  map[string]*ChatSession
	gen       uint64
	observers []Observer
}

var errMissingDep = errors.New("synchronizer: local store, remote channel, registry, identity and authorizer are required")

func New(cfg Config, d Deps) (*Synchronizer, error) {
	if d.Local == nil || d.Remote == nil || d.Registry == nil || d.Identity == nil || d.Auth == nil {
		return nil, errMissingDep
	}
	if d.Transforms == nil {
		d.Transforms = transform.NewResolver(nil)
	}
	return &Synchronizer{
		cfg:        cfg.withDefaults(),
		local:      d.Local,
		remote:     d.Remote,
		registry:   d.Registry,
		ident:      d.Identity,
		auth:       d.Auth,
		transforms: d.Transforms,
		media:      d.Media,
		metrics:    d.Metrics,
		sessions:   make(map[string]*ChatSession),
	}, nil
}

// AddObserver подключает наблюдателя ко всем чатам, открытым после вызова.
func (s *Synchronizer) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Synchronizer) notify(chatID string, msgs []model.Message) {
	s.mu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.MessagesChanged(chatID, msgs)
	}
}

func (s *Synchronizer) me() string { return s.ident.CurrentUserID() }

// Session возвращает открытую сессию чата или nil.
func (s *Synchronizer) Session(chatID string) *ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[chatID]
}

func (s *Synchronizer) viewOf(chatID string) *MessageList {
	if sess := s.Session(chatID); sess != nil {
		return sess.view
	}
	return nil
}

func (s *Synchronizer) loader(ctx context.Context) Loader {
	return func(id string) (*model.Message, error) {
		return s.local.GetMessage(ctx, id)
	}
}

// Close закрывает все открытые чаты.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	open := make([]*ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.Close()
	}
}

// chatFor загружает чат и проверяет, что текущий пользователь в нём состоит.
func (s *Synchronizer) chatFor(ctx context.Context, op, chatID string) (*model.Chat, error) {
	if chatID == "" {
		return nil, apperr.Validation(op, errors.New("chat id is required"))
	}
	chat, err := s.registry.Chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(s.me()) {
		return nil, apperr.Permission(op, errors.New("not a participant of this chat"))
	}
	return chat, nil
}

// open расшифровывает сообщение на месте; неудача превращается в заглушку и только логируется.
func (s *Synchronizer) open(cc transform.ChatContext, m *model.Message) {
	if !m.IsEncrypted {
		return
	}
	tr, err := s.transforms.For(cc)
	if err == nil {
		err = transform.Open(tr, m, cc)
	} else {
		m.Content = model.DecryptFailedPlaceholder
		m.DecryptFailed = true
	}
	if err != nil {
		logger.Errorf("sync: chat %s message %s: %v", cc.ChatID, m.ID, err)
	}
}

// summary кодирует превью так же, как тело сообщения, и возвращает удалённую и локальную сводки.
func summary(tr transform.Transform, cc transform.ChatContext, m *model.Message, plaintext string) (remoteLM, localLM model.LastMessage, err error) {
	preview := model.Preview(m.Type, plaintext)
	enc, err := tr.Encode(preview, cc)
	if err != nil {
		return model.LastMessage{}, model.LastMessage{}, err
	}
	remoteLM = *m.Summary(enc.Content)
	remoteLM.IsEncrypted = enc.IsEncrypted
	localLM = remoteLM
	localLM.Content = preview
	return remoteLM, localLM, nil
}

// classify переводит ошибку удалённого канала в вид apperr.
func classify(op string, err error) *apperr.Error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return apperr.NotFound(op, err)
	case errors.Is(err, remote.ErrBadCursor):
		return apperr.Validation(op, err)
	}
	return apperr.Network(op, err)
}

// withInput прикрепляет текст ввода к типизированной ошибке.
func withInput(op string, err error, input string) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Storage(op, err)
	}
	return ae.WithInput(input)
}

// retry повторяет fn, пока локальной записи ещё нет (гонка оптимистичной вставки и подтверждения).
// Исчерпание попыток не ошибка: обновление молча отбрасывается.
func (s *Synchronizer) retry(ctx context.Context, what string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if attempt >= s.cfg.RetryAttempts {
			s.metrics.RetryExhausted()
			logger.Debugf("sync: %s: not local after %d retries, dropped", what, attempt)
			return nil
		}
		t := time.NewTimer(s.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
