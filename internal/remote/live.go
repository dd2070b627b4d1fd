package remote

import (
	"slices"
	"sync"

	"github.com/dmsync/internal/model"
)

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

type Change[T any] struct {
	Kind ChangeKind
	Doc  T
}

// Snapshot состояние живого запроса целиком плюс изменения относительно прошлой выдачи.
type Snapshot[T any] struct {
	Docs    []T
	Changes []Change[T]
}

type (
	MessageSnapshot = Snapshot[model.Message]
	ChatSnapshot    = Snapshot[model.Chat]
	MessageChange   = Change[model.Message]
	ChatChange      = Change[model.Chat]
)

// Subscription отменяет живой запрос. После Unsubscribe колбэк больше не вызывается.
type Subscription interface {
	Unsubscribe()
}

// Window содержимое живого запроса с ограничением limit (0: без ограничения).
// Не потокобезопасен: владелец сериализует вызовы.
type Window[T any] struct {
	limit int
	key   func(T) string
	cmp   func(a, b T) int
	docs  map[string]T
}

func newWindow[T any](limit int, key func(T) string, cmp func(a, b T) int) *Window[T] {
	return &Window[T]{limit: limit, key: key, cmp: cmp, docs: make(map[string]T)}
}

// NewMessageWindow окно последних limit сообщений, новые первыми.
func NewMessageWindow(limit int) *Window[model.Message] {
	return newWindow(limit, func(m model.Message) string { return m.ID }, compareMessages)
}

// NewChatWindow окно чатов по последней активности.
func NewChatWindow() *Window[model.Chat] {
	return newWindow(0, func(c model.Chat) string { return c.ID }, compareChats)
}

func compareMessages(a, b model.Message) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return compareKeys(b.ID, a.ID)
}

func compareChats(a, b model.Chat) int {
	if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
		return c
	}
	return compareKeys(a.ID, b.ID)
}

func compareKeys(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Reset заполняет окно начальной выдачей; все документы приходят как Added.
func (w *Window[T]) Reset(docs []T) Snapshot[T] {
	w.docs = make(map[string]T, len(docs))
	for _, d := range docs {
		w.docs[w.key(d)] = d
	}
	w.trim()
	out := Snapshot[T]{Docs: w.Docs()}
	for _, d := range out.Docs {
		out.Changes = append(out.Changes, Change[T]{Kind: Added, Doc: d})
	}
	return out
}

// Upsert применяет запись документа. ok=false: документ вне окна, выдача не изменилась.
func (w *Window[T]) Upsert(doc T) (Snapshot[T], bool) {
	id := w.key(doc)
	_, existed := w.docs[id]
	if !existed && w.full() && w.cmp(doc, w.oldest()) > 0 {
		return Snapshot[T]{}, false
	}
	w.docs[id] = doc
	var changes []Change[T]
	if existed {
		changes = append(changes, Change[T]{Kind: Modified, Doc: doc})
	} else {
		changes = append(changes, Change[T]{Kind: Added, Doc: doc})
	}
	changes = append(changes, w.trim()...)
	return Snapshot[T]{Docs: w.Docs(), Changes: changes}, true
}

// Remove убирает документ из окна.
func (w *Window[T]) Remove(id string) (Snapshot[T], bool) {
	doc, ok := w.docs[id]
	if !ok {
		return Snapshot[T]{}, false
	}
	delete(w.docs, id)
	return Snapshot[T]{Docs: w.Docs(), Changes: []Change[T]{{Kind: Removed, Doc: doc}}}, true
}

func (w *Window[T]) Contains(id string) bool {
	_, ok := w.docs[id]
	return ok
}

// Docs возвращает содержимое окна в порядке запроса.
func (w *Window[T]) Docs() []T {
	out := make([]T, 0, len(w.docs))
	for _, d := range w.docs {
		out = append(out, d)
	}
	slices.SortFunc(out, w.cmp)
	return out
}

func (w *Window[T]) full() bool {
	return w.limit > 0 && len(w.docs) >= w.limit
}

func (w *Window[T]) oldest() T {
	var last T
	first := true
	for _, d := range w.docs {
		if first || w.cmp(d, last) > 0 {
			last = d
			first = false
		}
	}
	return last
}

// trim вытесняет самые старые документы сверх limit.
func (w *Window[T]) trim() []Change[T] {
	var out []Change[T]
	for w.limit > 0 && len(w.docs) > w.limit {
		old := w.oldest()
		delete(w.docs, w.key(old))
		out = append(out, Change[T]{Kind: Removed, Doc: old})
	}
	return out
}

// Feed доставляет снимки одному подписчику по порядку из отдельной горутины,
// чтобы колбэк мог обращаться к каналу без взаимоблокировки.
type Feed[T any] struct {
	fn      func(Snapshot[T])
	onClose func()

	mu     sync.Mutex
	queue  []Snapshot[T]
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewFeed[T any](fn func(Snapshot[T]), onClose func()) *Feed[T] {
	f := &Feed[T]{
		fn:      fn,
		onClose: onClose,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed[T]) Push(s Snapshot[T]) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, s)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed[T]) Unsubscribe() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
}

// Done закрывается при отписке.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

func (f *Feed[T]) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}
		for {
			f.mu.Lock()
			if f.closed || len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			s := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			f.fn(s)
		}
	}
}
