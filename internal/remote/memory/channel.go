// Package memory удалённый канал в памяти процесса: серверные часы, атомарные батчи,
// живые запросы с diff. Используется в тестах и в режиме -dev.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/google/uuid"
)

type Channel struct {
	mu       sync.Mutex
	clock    func() time.Time
	last     time.Time
	closed   bool
	chats    map[string]*model.Chat
	messages map[string]map[string]*model.Message // chatID → id → сообщение

	nextSub  int
	msgSubs  map[string]map[int]*messageWatch
	chatSubs map[string]map[int]*chatWatch
}

type messageWatch struct {
	window *remote.Window[model.Message]
	feed   *remote.Feed[model.Message]
}

type chatWatch struct {
	window *remote.Window[model.Chat]
	feed   *remote.Feed[model.Chat]
}

type Option func(*Channel)

// WithClock подменяет серверные часы.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.clock = clock }
}

func New(opts ...Option) *Channel {
	c := &Channel{
		clock:    time.Now,
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]map[string]*model.Message),
		msgSubs:  make(map[string]map[int]*messageWatch),
		chatSubs: make(map[string]map[int]*chatWatch),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ remote.Channel = (*Channel)(nil)

// now серверное время, строго возрастающее между записями.
func (c *Channel) now() time.Time {
	t := c.clock().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

func (c *Channel) CreateChat(ctx context.Context, chat *model.Chat) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, remote.ErrClosed
	}
	if _, ok := c.chats[chat.ID]; ok {
		return false, nil
	}
	stored := chat.Clone()
	now := c.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastActivity.IsZero() {
		stored.LastActivity = now
	}
	if stored.UnreadCount == nil {
		stored.UnreadCount = make(map[string]int)
	}
	for _, p := range stored.Participants {
		if _, ok := stored.UnreadCount[p]; !ok {
			stored.UnreadCount[p] = 0
		}
	}
	c.chats[chat.ID] = stored
	c.notifyChat(stored)
	return true, nil
}

func (c *Channel) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[chatID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return chat.Clone(), nil
}

func (c *Channel) WatchUserChats(ctx context.Context, userID string, fn func(remote.ChatSnapshot)) (remote.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, remote.ErrClosed
	}
	c.nextSub++
	id := c.nextSub
	w := &chatWatch{window: remote.NewChatWindow()}
	w.feed = remote.NewFeed(fn, func() {
		c.mu.Lock()
		delete(c.chatSubs[userID], id)
		c.mu.Unlock()
	})
	var initial []model.Chat
	for _, chat := range c.chats {
		if chat.HasParticipant(userID) {
			initial = append(initial, *chat.Clone())
		}
	}
	w.feed.Push(w.window.Reset(initial))
	if c.chatSubs[userID] == nil {
		c.chatSubs[userID] = make(map[int]*chatWatch)
	}
	c.chatSubs[userID][id] = w
	return w.feed, nil
}

// Commit применяет батч целиком под одной блокировкой: сначала проверки, потом запись.
func (c *Channel) Commit(ctx context.Context, b remote.Batch) (*model.Message, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, remote.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, u := range b.Chats {
		if _, ok := c.chats[u.ChatID]; !ok {
			return nil, fmt.Errorf("chat %s: %w", u.ChatID, remote.ErrNotFound)
		}
	}
	if b.NewMessage != nil {
		if _, ok := c.chats[b.NewMessage.ChatID]; !ok {
			return nil, fmt.Errorf("chat %s: %w", b.NewMessage.ChatID, remote.ErrNotFound)
		}
	}
	var target *model.Message
	if p := b.Patch; p != nil {
		m, ok := c.messages[p.ChatID][p.MessageID]
		if !ok {
			return nil, fmt.Errorf("message %s: %w", p.MessageID, remote.ErrNotFound)
		}
		target = m
	}

	now := c.now()
	var written *model.Message
	switch {
	case b.NewMessage != nil:
		m := b.NewMessage.Clone()
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.TempID = ""
		m.Timestamp = now
		if m.ReadBy == nil {
			m.ReadBy = []string{}
		}
		if c.messages[m.ChatID] == nil {
			c.messages[m.ChatID] = make(map[string]*model.Message)
		}
		c.messages[m.ChatID][m.ID] = m
		written = m
	case b.Patch != nil:
		applyPatch(target, b.Patch, now)
		written = target
	}

	for _, u := range b.Chats {
		chat := c.chats[u.ChatID]
		if u.LastMessage != nil {
			lm := remote.ResolveSummary(*u.LastMessage, written)
			if !u.OnlyIfLast || (chat.LastMessage != nil && chat.LastMessage.MessageID == lm.MessageID) {
				chat.LastMessage = &lm
				if lm.Timestamp.After(chat.LastActivity) {
					chat.LastActivity = lm.Timestamp
				}
			}
		}
		if chat.UnreadCount == nil {
			chat.UnreadCount = make(map[string]int)
		}
		for _, uid := range u.IncrementUnread {
			chat.UnreadCount[uid]++
		}
		for _, uid := range u.ResetUnread {
			chat.UnreadCount[uid] = 0
		}
		c.notifyChat(chat)
	}
	if written != nil {
		c.notifyMessage(written)
		return written.Clone(), nil
	}
	return nil, nil
}

func applyPatch(m *model.Message, p *remote.MessagePatch, now time.Time) {
	if p.Edit != nil {
		m.Content = p.Edit.Content
		m.IsEncrypted = p.Edit.IsEncrypted
		m.EncryptedContent = p.Edit.EncryptedContent
		m.IsEdited = true
		t := now
		m.EditedAt = &t
	}
	if p.AddReader != "" {
		m.AddReader(p.AddReader)
	}
	if p.Tombstone {
		m.Tombstone()
	}
}

func (c *Channel) GetMessage(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[chatID][messageID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return m.Clone(), nil
}

func (c *Channel) QueryMessages(ctx context.Context, chatID string, limit int, cursor remote.Cursor) (remote.Page, error) {
	ts, id, after, err := cursor.Parse()
	if err != nil {
		return remote.Page{}, err
	}
	c.mu.Lock()
	all := make([]model.Message, 0, len(c.messages[chatID]))
	for _, m := range c.messages[chatID] {
		if after && !remote.Before(*m, ts, id) {
			continue
		}
		all = append(all, *m.Clone())
	}
	c.mu.Unlock()

	w := remote.NewMessageWindow(limit)
	w.Reset(all)
	return remote.NewPage(w.Docs(), limit, cursor), nil
}

func (c *Channel) WatchMessages(ctx context.Context, chatID string, limit int, fn func(remote.MessageSnapshot)) (remote.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, remote.ErrClosed
	}
	c.nextSub++
	id := c.nextSub
	w := &messageWatch{window: remote.NewMessageWindow(limit)}
	w.feed = remote.NewFeed(fn, func() {
		c.mu.Lock()
		delete(c.msgSubs[chatID], id)
		c.mu.Unlock()
	})
	initial := make([]model.Message, 0, len(c.messages[chatID]))
	for _, m := range c.messages[chatID] {
		initial = append(initial, *m.Clone())
	}
	w.feed.Push(w.window.Reset(initial))
	if c.msgSubs[chatID] == nil {
		c.msgSubs[chatID] = make(map[int]*messageWatch)
	}
	c.msgSubs[chatID][id] = w
	return w.feed, nil
}

// RemoveMessage удаляет документ физически (административная операция); подписчики получают removed.
func (c *Channel) RemoveMessage(ctx context.Context, chatID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.messages[chatID][messageID]; !ok {
		return remote.ErrNotFound
	}
	delete(c.messages[chatID], messageID)
	for _, w := range c.msgSubs[chatID] {
		if s, ok := w.window.Remove(messageID); ok {
			w.feed.Push(s)
		}
	}
	return nil
}

func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var feeds []remote.Subscription
	for _, subs := range c.msgSubs {
		for _, w := range subs {
			feeds = append(feeds, w.feed)
		}
	}
	for _, subs := range c.chatSubs {
		for _, w := range subs {
			feeds = append(feeds, w.feed)
		}
	}
	c.mu.Unlock()
	for _, f := range feeds {
		f.Unsubscribe()
	}
	return nil
}

// notifyMessage и notifyChat вызываются под c.mu.
func (c *Channel) notifyMessage(m *model.Message) {
	for _, w := range c.msgSubs[m.ChatID] {
		if s, ok := w.window.Upsert(*m.Clone()); ok {
			w.feed.Push(s)
		}
	}
}

func (c *Channel) notifyChat(chat *model.Chat) {
	for _, uid := range chat.Participants {
		for _, w := range c.chatSubs[uid] {
			if s, ok := w.window.Upsert(*chat.Clone()); ok {
				w.feed.Push(s)
			}
		}
	}
}
