package memory

import (
	"context"
	"sync"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
)

// Store LocalStore в памяти процесса. Используется в тестах и в режиме -dev без БД.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*model.Chat
	messages map[string]*model.Message
}

func NewStore() *Store {
	return &Store{
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]*model.Message),
	}
}

var _ storage.LocalStore = (*Store)(nil)

func (s *Store) ready() error {
	if s == nil || s.chats == nil {
		return storage.ErrNotInitialized
	}
	return nil
}

func (s *Store) UpsertChat(ctx context.Context, c *model.Chat) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) GetUserChats(ctx context.Context, userID string) ([]model.ChatListItem, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	items := make([]model.ChatListItem, 0, len(s.chats))
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			items = append(items, model.NewChatListItem(c.Clone(), userID))
		}
	}
	s.mu.RUnlock()
	model.SortByActivity(items)
	return items, nil
}

func (s *Store) UpdateChatLastMessage(ctx context.Context, chatID string, lm model.LastMessage) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	if !storage.AcceptsLastMessage(c.LastMessage, lm) {
		return nil
	}
	c.LastMessage = &lm
	if lm.Timestamp.After(c.LastActivity) {
		c.LastActivity = lm.Timestamp
	}
	return nil
}

func (s *Store) SetUnreadCount(ctx context.Context, chatID, userID string, n int) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[userID] = n
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if m.ID == "" {
		return storage.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := make([]model.Message, 0, 32)
	for _, m := range s.messages {
		if m.ChatID == chatID {
			all = append(all, *m.Clone())
		}
	}
	s.mu.RUnlock()

	model.SortNewestFirst(all)
	return storage.PageOldestFirst(all, limit, offset), nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	return s.update(id, func(m *model.Message) {
		m.Status = storage.NextStatus(m.Status, status)
	})
}

func (s *Store) UpdateMessageID(ctx context.Context, oldID, newID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if newID == "" {
		return storage.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[oldID]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.messages, oldID)
	m.ID = newID
	m.TempID = ""
	if existing, ok := s.messages[newID]; ok {
		// Подтверждённая копия уже пришла из подписки: она главнее.
		storage.MergeConfirmed(existing, m)
		return nil
	}
	s.messages[newID] = m
	return nil
}

func (s *Store) ConfirmMessage(ctx context.Context, tempID string, m *model.Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	if m.ID == "" {
		return storage.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, tempID)
	confirmed := m.Clone()
	confirmed.TempID = ""
	if existing, ok := s.messages[m.ID]; ok {
		storage.MergeConfirmed(confirmed, existing)
	}
	s.messages[m.ID] = confirmed
	return nil
}

func (s *Store) MarkMessageAsRead(ctx context.Context, id, userID string) error {
	return s.update(id, func(m *model.Message) {
		m.AddReader(userID)
		if m.IsReadByOther() {
			m.Status = model.MessageStatusRead
		}
	})
}

func (s *Store) EditMessage(ctx context.Context, id string, edit storage.MessageEdit) error {
	return s.update(id, func(m *model.Message) {
		storage.ApplyEdit(m, edit)
	})
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.update(id, func(m *model.Message) { m.Tombstone() })
}

func (s *Store) RemoveMessage(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.messages, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) update(id string, fn func(m *model.Message)) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(m)
	return nil
}
