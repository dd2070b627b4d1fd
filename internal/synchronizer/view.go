package synchronizer

import (
	"sync"

	"github.com/dmsync/internal/model"
)

// Phase стадия записи в списке: до подтверждения сервером и после.
type Phase int

const (
	Pending Phase = iota
	Confirmed
)

func (p Phase) String() string {
	if p == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry описывает сообщение в видимом списке. Ключ Pending записи это временный id, Confirmed записи серверный.
type Entry struct {
	Phase   Phase
	Message model.Message
}

// MessageList видимый список сообщений открытого чата, всегда отсортирован по timestamp (новые первыми).
// Временная и подтверждённая записи одного сообщения никогда не существуют одновременно:
// Confirm заменяет одну другой за одно изменение.
type MessageList struct {
	chatID string

	mu        sync.Mutex
	entries   map[string]*Entry
	observers map[int]func([]model.Message)
	nextObs   int
}

func NewMessageList(chatID string) *MessageList {
	return &MessageList{
		chatID:    chatID,
		entries:   make(map[string]*Entry),
		observers: make(map[int]func([]model.Message)),
	}
}

func (l *MessageList) ChatID() string { return l.chatID }

// Subscribe регистрирует наблюдателя; он получает полный снимок после каждого изменения.
func (l *MessageList) Subscribe(fn func([]model.Message)) (unsubscribe func()) {
	l.mu.Lock()
	l.nextObs++
	id := l.nextObs
	l.observers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

// Replace заполняет список целиком (начальная загрузка из локального кеша).
func (l *MessageList) Replace(msgs []model.Message) {
	l.mutate(func() {
		l.entries = make(map[string]*Entry, len(msgs))
		for _, m := range msgs {
			l.put(m)
		}
	})
}

// AddPending добавляет оптимистичную запись под временным id.
func (l *MessageList) AddPending(m model.Message) {
	l.mutate(func() {
		l.entries[m.Key()] = &Entry{Phase: Pending, Message: *m.Clone()}
	})
}

// Has сообщает, есть ли запись с таким ключом.
func (l *MessageList) Has(key string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

// Confirm атомарно заменяет временную запись подтверждённой.
func (l *MessageList) Confirm(tempID string, m model.Message) {
	l.mutate(func() {
		delete(l.entries, tempID)
		l.put(m)
	})
}

// Loader читает актуальную копию сообщения из локального кеша.
type Loader func(id string) (*model.Message, error)

// ConfirmFrom Confirm, но подтверждённая копия читается из кеша под блокировкой списка.
// Так обновление статуса, записанное в кеш до замены, не теряется.
func (l *MessageList) ConfirmFrom(tempID string, fallback model.Message, load Loader) {
	l.mutate(func() {
		m := fallback
		if cur, err := load(fallback.ID); err == nil {
			m = *cur
		}
		delete(l.entries, tempID)
		l.put(m)
	})
}

// Refresh перечитывает запись из кеша, если она уже есть в списке под этим id.
func (l *MessageList) Refresh(id string, load Loader) {
	if l == nil {
		return
	}
	l.mu.Lock()
	_, ok := l.entries[id]
	l.mu.Unlock()
	if !ok {
		return
	}
	l.mutate(func() {
		if _, ok := l.entries[id]; !ok {
			return
		}
		if cur, err := load(id); err == nil {
			l.put(*cur)
		}
	})
}

// Upsert вставляет или заменяет сообщения.
func (l *MessageList) Upsert(msgs ...model.Message) {
	if l == nil || len(msgs) == 0 {
		return
	}
	l.mutate(func() {
		for _, m := range msgs {
			l.put(m)
		}
	})
}

func (l *MessageList) Remove(key string) {
	l.mutate(func() { delete(l.entries, key) })
}

func (l *MessageList) Get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Phase: e.Phase, Message: *e.Message.Clone()}, true
}

// Snapshot копия списка, новые первыми.
func (l *MessageList) Snapshot() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *MessageList) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, m := range l.snapshotLocked() {
		out = append(out, Entry{Phase: l.entries[m.Key()].Phase, Message: m})
	}
	return out
}

// put определяет фазу по записи: строка из кеша с временным id ещё не подтверждена.
func (l *MessageList) put(m model.Message) {
	phase := Confirmed
	if m.TempID != "" && m.ID == m.TempID {
		phase = Pending
	}
	l.entries[m.Key()] = &Entry{Phase: phase, Message: *m.Clone()}
}

func (l *MessageList) snapshotLocked() []model.Message {
	out := make([]model.Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e.Message.Clone())
	}
	model.SortNewestFirst(out)
	return out
}

// mutate применяет изменение и рассылает снимок наблюдателям.
// Наблюдатели вызываются под блокировкой, чтобы снимки приходили в порядке изменений.
func (l *MessageList) mutate(fn func()) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
	if len(l.observers) == 0 {
		return
	}
	snap := l.snapshotLocked()
	for _, obs := range l.observers {
		obs(snap)
	}
}
