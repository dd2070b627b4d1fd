package synchronizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/media"
	"github.com/dmsync/internal/metrics"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/registry"
	"github.com/dmsync/internal/remote"
	remotemem "github.com/dmsync/internal/remote/memory"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/storage/memory"
	"github.com/dmsync/internal/transform"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	alice = &model.Profile{ID: "alice", Username: "alice", DisplayName: "Alice"}
	bob   = &model.Profile{ID: "bob", Username: "bob"}
	carol = &model.Profile{ID: "carol", Username: "carol"}
)

type world struct {
	rc      *remotemem.Channel
	dir     *memory.Directory
	secrets *transform.Resolver
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{rc: remotemem.New(), dir: memory.NewDirectory()}
	t.Cleanup(func() { _ = w.rc.Close(context.Background()) })
	for _, p := range []*model.Profile{alice, bob, carol} {
		require.NoError(t, w.dir.PutProfile(ctx, p))
	}
	require.NoError(t, w.dir.AddContact(ctx, "alice", "bob"))
	require.NoError(t, w.dir.AddContact(ctx, "alice", "carol"))
	key, err := transform.ParseMasterKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	w.secrets = transform.NewResolver(transform.NewSecret(key))
	return w
}

type client struct {
	id    string
	local *memory.Store
	reg   *registry.Registry
	sync  *Synchronizer
}

type clientOption func(*Config, *Deps)

func withRemote(rc remote.Channel) clientOption {
	return func(_ *Config, d *Deps) { d.Remote = rc }
}

func withMedia(p media.Processor) clientOption {
	return func(_ *Config, d *Deps) { d.Media = p }
}

func withTransforms(r *transform.Resolver) clientOption {
	return func(_ *Config, d *Deps) { d.Transforms = r }
}

func withIngestLimit(n int) clientOption {
	return func(c *Config, _ *Deps) { c.IngestLimit = n }
}

func (w *world) client(t *testing.T, userID string, opts ...clientOption) *client {
	t.Helper()
	local := memory.NewStore()
	cfg := Config{PageSize: 5, IngestLimit: 50, RetryAttempts: 3, RetryBackoff: 10 * time.Millisecond}
	d := Deps{
		Local:      local,
		Remote:     w.rc,
		Identity:   identity.NewSession(userID, w.dir),
		Auth:       identity.NewContacts(w.dir),
		Transforms: w.secrets,
	}
	for _, o := range opts {
		o(&cfg, &d)
	}
	d.Registry = registry.New(w.rc, local, d.Transforms)
	s, err := New(cfg, d)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &client{id: userID, local: local, reg: d.Registry, sync: s}
}

func (c *client) chatWith(t *testing.T, self, other *model.Profile, secret bool) string {
	t.Helper()
	id, err := c.reg.CreateChat(context.Background(), self, other, secret)
	require.NoError(t, err)
	return id
}

func (c *client) messages(t *testing.T, chatID string) []model.Message {
	t.Helper()
	msgs, err := c.local.GetChatMessages(context.Background(), chatID, 100, 0)
	require.NoError(t, err)
	return msgs
}

func (c *client) message(id string) *model.Message {
	m, err := c.local.GetMessage(context.Background(), id)
	if err != nil {
		return nil
	}
	return m
}

// failingCommit отказывает в записи новых сообщений.
type failingCommit struct {
	remote.Channel
	err error
}

func (f failingCommit) Commit(ctx context.Context, b remote.Batch) (*model.Message, error) {
	if b.NewMessage != nil {
		return nil, f.err
	}
	return f.Channel.Commit(ctx, b)
}

type fakeMedia struct {
	d   media.Descriptor
	err error
}

func (f fakeMedia) Process(ctx context.Context, localURI, chatID, messageID string) (media.Descriptor, error) {
	return f.d, f.err
}

// gatedMedia держит обработку медиа, пока тест не откроет release.
type gatedMedia struct {
	started chan struct{}
	release chan struct{}
	d       media.Descriptor
}

func (g gatedMedia) Process(ctx context.Context, localURI, chatID, messageID string) (media.Descriptor, error) {
	close(g.started)
	select {
	case <-g.release:
		return g.d, nil
	case <-ctx.Done():
		return media.Descriptor{}, ctx.Err()
	}
}

// scriptedWatch отдаёт колбэк подписки тесту вместо живого потока.
type scriptedWatch struct {
	remote.Channel
	mu sync.Mutex
	fn func(remote.MessageSnapshot)
}

func (s *scriptedWatch) WatchMessages(ctx context.Context, chatID string, limit int, fn func(remote.MessageSnapshot)) (remote.Subscription, error) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return noSubscription{}, nil
}

func (s *scriptedWatch) deliver(snap remote.MessageSnapshot) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	fn(snap)
}

type noSubscription struct{}

func (noSubscription) Unsubscribe() {}

type failingWatch struct {
	remote.Channel
}

func (failingWatch) WatchMessages(context.Context, string, int, func(remote.MessageSnapshot)) (remote.Subscription, error) {
	return nil, errors.New("stream unavailable")
}

// staleListing добавляет к выдаче кеша временную запись, которой в кеше уже нет.
type staleListing struct {
	storage.LocalStore
	extra *model.Message
}

func (s *staleListing) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	msgs, err := s.LocalStore.GetChatMessages(ctx, chatID, limit, offset)
	if err != nil || s.extra == nil {
		return msgs, err
	}
	return append(msgs, *s.extra), nil
}

func withMetrics(m *metrics.Metrics) clientOption {
	return func(_ *Config, d *Deps) { d.Metrics = m }
}

type recorder struct {
	mu    sync.Mutex
	snaps [][]model.Message
}

func (r *recorder) MessagesChanged(chatID string, msgs []model.Message) {
	r.mu.Lock()
	r.snaps = append(r.snaps, msgs)
	r.mu.Unlock()
}

func (r *recorder) all() [][]model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]model.Message(nil), r.snaps...)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestSendMessageReplacesTempID(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, false)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hello"})
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(id, tempPrefix))

	msgs := a.messages(t, chatID)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Empty(t, msgs[0].TempID)
	assert.Equal(t, model.MessageStatusSent, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Alice", msgs[0].SenderDisplayName)

	rc, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Unread("bob"))
	assert.Equal(t, 0, rc.Unread("alice"))
	require.NotNil(t, rc.LastMessage)
	assert.Equal(t, id, rc.LastMessage.MessageID)
	assert.Equal(t, "hello", rc.LastMessage.Content)

	stored, err := w.rc.GetMessage(ctx, chatID, id)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Timestamp, stored.Timestamp, "local copy keeps the server timestamp")

	lc, err := a.local.GetChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "hello", lc.LastMessage.Content)
}

func TestSendRejectedForNonContact(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, false)
	require.NoError(t, w.dir.RemoveContact(ctx, "alice", "bob"))

	_, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPermission)
	assert.Equal(t, "hi", apperr.InputOf(err))

	assert.Empty(t, a.messages(t, chatID))
	page, err := w.rc.QueryMessages(ctx, chatID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, false)

	_, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "   "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = a.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: "me"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = a.sync.SendMessage(ctx, chatID, "bob", Outgoing{MediaURI: "/tmp/cat.jpg"})
	assert.ErrorIs(t, err, apperr.ErrValidation, "no media processor configured")
	_, err = a.sync.SendMessage(ctx, "alice_carol", "carol", Outgoing{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendWithoutSenderProfileIsValidation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	dave := &model.Profile{ID: "dave", Username: "dave"}
	require.NoError(t, w.dir.AddContact(ctx, "dave", "bob"))
	d := w.client(t, "dave")
	chatID := d.chatWith(t, dave, bob, false)

	_, err := d.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.ErrorIs(t, err, identity.ErrUnknownProfile)
	assert.Empty(t, d.messages(t, chatID))
}

func TestSendRollsBackWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	offline := errors.New("offline")
	a := w.client(t, "alice", withRemote(failingCommit{Channel: w.rc, err: offline}))
	chatID := a.chatWith(t, alice, bob, false)
	cs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	var seenPending bool
	unsub := cs.View().Subscribe(func(msgs []model.Message) {
		for _, m := range msgs {
			if m.Status == model.MessageStatusSending {
				seenPending = true
			}
		}
	})
	defer unsub()

	_, err = a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.ErrorIs(t, err, offline)
	assert.Equal(t, "hello", apperr.InputOf(err))

	assert.True(t, seenPending, "optimistic entry was shown")
	assert.Empty(t, cs.View().Snapshot())
	assert.Empty(t, a.messages(t, chatID))
}

func TestPendingEntryIsSwappedInOneStep(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	rec := &recorder{}
	a.sync.AddObserver(rec)
	chatID := a.chatWith(t, alice, bob, false)
	cs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hello"})
	require.NoError(t, err)

	for _, snap := range rec.all() {
		assert.LessOrEqual(t, len(snap), 1, "temp and confirmed copies never coexist")
	}
	entries := cs.View().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Confirmed, entries[0].Phase)
	assert.Equal(t, id, entries[0].Message.ID)
	assert.Empty(t, entries[0].Message.TempID)
}

func TestChatOpenedDuringSendGetsConfirmedEntry(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	gate := gatedMedia{
		started: make(chan struct{}),
		release: make(chan struct{}),
		d: media.Descriptor{
			Kind:        model.MessageTypeImage,
			DownloadURL: "https://cdn.example/chats/dog.jpg",
			Width:       640,
			Height:      480,
			Size:        2048,
		},
	}
	a := w.client(t, "alice", withMedia(gate))
	chatID := a.chatWith(t, alice, bob, false)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{MediaURI: "/tmp/dog.jpg"})
		done <- result{id, err}
	}()
	<-gate.started

	cs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	entries := cs.View().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Pending, entries[0].Phase)

	close(gate.release)
	res := <-done
	require.NoError(t, res.err)

	require.Eventually(t, func() bool {
		entries := cs.View().Entries()
		return len(entries) == 1 && entries[0].Phase == Confirmed && entries[0].Message.ID == res.id
	}, waitFor, tick)
	e, ok := cs.View().Get(res.id)
	require.True(t, ok)
	assert.Equal(t, model.MessageTypeImage, e.Message.Type)
	assert.Equal(t, model.MessageStatusSent, e.Message.Status)
}

func TestOpenChatDropsTempRowsConfirmedMeanwhile(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	listing := &staleListing{}
	a := w.client(t, "alice", func(_ *Config, d *Deps) {
		listing.LocalStore = d.Local
		d.Local = listing
	})
	chatID := a.chatWith(t, alice, bob, false)
	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hello"})
	require.NoError(t, err)

	listing.extra = &model.Message{
		ID:        "temp_gone",
		TempID:    "temp_gone",
		ChatID:    chatID,
		SenderID:  "alice",
		Type:      model.MessageTypeText,
		Content:   "hello",
		Timestamp: time.Now().UTC(),
		Status:    model.MessageStatusSending,
		ReadBy:    []string{},
	}
	cs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	assert.False(t, cs.View().Has("temp_gone"))
	assert.True(t, cs.View().Has(id))
	for _, e := range cs.View().Entries() {
		assert.Equal(t, Confirmed, e.Phase)
	}
}

func TestFailedOpenLeavesOpenChatsGauge(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	m := metrics.New()
	a := w.client(t, "alice", withRemote(failingWatch{Channel: w.rc}), withMetrics(m))
	chatID := a.chatWith(t, alice, bob, false)

	_, err := a.sync.OpenChat(ctx, chatID)
	require.Error(t, err)
	assert.Nil(t, a.sync.Session(chatID))

	const want = `
# HELP dmsync_open_chats Chats with a live message subscription.
# TYPE dmsync_open_chats gauge
dmsync_open_chats 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(want), "dmsync_open_chats"))
}

func TestIngestDecryptsAndAcknowledgesWhileOpen(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, true)

	_, err := b.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "top secret"})
	require.NoError(t, err)

	stored, err := w.rc.GetMessage(ctx, chatID, id)
	require.NoError(t, err)
	assert.True(t, stored.IsEncrypted)
	assert.Empty(t, stored.Content)
	assert.NotContains(t, stored.EncryptedContent, "top secret")

	require.Eventually(t, func() bool {
		m := b.message(id)
		return m != nil && m.Status == model.MessageStatusRead
	}, waitFor, tick)
	m := b.message(id)
	assert.Equal(t, "top secret", m.Content)
	assert.Contains(t, m.ReadBy, "bob")

	require.Eventually(t, func() bool {
		c, err := w.rc.GetChat(ctx, chatID)
		return err == nil && c.Unread("bob") == 0
	}, waitFor, tick)

	rc, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.True(t, rc.LastMessage.IsEncrypted)
	assert.NotEqual(t, "top secret", rc.LastMessage.Content)
}

func TestSenderSeesReadStatus(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)

	acs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	_, err = b.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "ping"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := a.message(id)
		return m != nil && m.Status == model.MessageStatusRead
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		e, ok := acs.View().Get(id)
		return ok && e.Message.Status == model.MessageStatusRead
	}, waitFor, tick)
	assert.Equal(t, "ping", a.message(id).Content)
}

func TestServerTimestampReplacesClientClock(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	feed := &scriptedWatch{Channel: w.rc}
	b := w.client(t, "bob", withRemote(feed))
	chatID := a.chatWith(t, alice, bob, false)

	cs, err := b.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	feed.deliver(remote.MessageSnapshot{})

	clientClock := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	serverClock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := model.Message{
		ID:             "m1",
		ChatID:         chatID,
		SenderID:       "alice",
		SenderUsername: "alice",
		Type:           model.MessageTypeText,
		Content:        "hi",
		Timestamp:      clientClock,
		Status:         model.MessageStatusSent,
		ReadBy:         []string{},
	}
	feed.deliver(remote.MessageSnapshot{
		Docs:    []model.Message{doc},
		Changes: []remote.MessageChange{{Kind: remote.Added, Doc: doc}},
	})
	require.NotNil(t, b.message("m1"))

	doc.Timestamp = serverClock
	feed.deliver(remote.MessageSnapshot{
		Docs:    []model.Message{doc},
		Changes: []remote.MessageChange{{Kind: remote.Modified, Doc: doc}},
	})

	local := b.message("m1")
	require.NotNil(t, local)
	assert.True(t, local.Timestamp.Equal(serverClock), "local timestamp %s", local.Timestamp)
	e, ok := cs.View().Get("m1")
	require.True(t, ok)
	assert.True(t, e.Message.Timestamp.Equal(serverClock), "view timestamp %s", e.Message.Timestamp)
	assert.Equal(t, "hi", e.Message.Content)
}

func TestOpenChatPullsHistoryAndResetsUnread(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)

	id1, err := b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: "one"})
	require.NoError(t, err)
	id2, err := b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: "two"})
	require.NoError(t, err)
	c, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Unread("alice"))

	cs, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	c, err = w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Unread("alice"))

	require.Eventually(t, func() bool { return len(cs.View().Snapshot()) == 2 }, waitFor, tick)
	snap := cs.View().Snapshot()
	assert.Equal(t, []string{id2, id1}, []string{snap[0].ID, snap[1].ID})
	require.Eventually(t, func() bool {
		m := a.message(id1)
		return m != nil && m.Status == model.MessageStatusRead
	}, waitFor, tick)
}

func TestUnreadCounterAfterMarkChatRead(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)

	for _, text := range []string{"a", "b"} {
		_, err := b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: text})
		require.NoError(t, err)
	}
	require.NoError(t, a.sync.MarkChatRead(ctx, chatID))
	c, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Unread("alice"))
	lc, err := a.local.GetChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, lc.Unread("alice"))

	_, err = b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: "c"})
	require.NoError(t, err)
	c, err = w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Unread("alice"))
	assert.Equal(t, 0, c.Unread("bob"))
}

func TestChatListOrderedByLatestMessage(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	c := w.client(t, "carol")
	withBob := a.chatWith(t, alice, bob, false)
	withCarol := a.chatWith(t, alice, carol, false)

	sub, err := a.reg.ListenToUserChats(ctx, "alice", func([]model.ChatListItem) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = b.sync.SendMessage(ctx, withBob, "alice", Outgoing{Content: "hi"})
	require.NoError(t, err)
	_, err = c.sync.SendMessage(ctx, withCarol, "alice", Outgoing{Content: "hey"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := a.sync.Chats(ctx)
		if err != nil || len(items) != 2 {
			return false
		}
		lm := items[0].Chat.LastMessage
		return items[0].Chat.ID == withCarol && lm != nil && lm.Content == "hey"
	}, waitFor, tick)
	items, err := a.sync.Chats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "carol", items[0].OtherUser.ID)
	assert.Equal(t, 1, items[0].UnreadCount)
	assert.Equal(t, withBob, items[1].Chat.ID)
}

func TestLoadOlderMessagesPagesToExhaustion(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, false)

	var sent []string
	for i := 0; i < 10; i++ {
		id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: string(rune('a' + i))})
		require.NoError(t, err)
		sent = append(sent, id)
	}

	var (
		cursor string
		got    []string
		pages  int
	)
	for {
		page, err := a.sync.LoadOlderMessages(ctx, chatID, cursor)
		require.NoError(t, err)
		pages++
		for i := 1; i < len(page.Messages); i++ {
			assert.True(t, page.Messages[i-1].Timestamp.Before(page.Messages[i].Timestamp), "oldest first")
		}
		chunk := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			chunk = append(chunk, m.ID)
		}
		got = append(chunk, got...)
		cursor = page.Cursor
		if !page.HasMore {
			assert.Empty(t, page.Messages)
			break
		}
		require.Less(t, pages, 10)
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, sent, got)

	again, err := a.sync.LoadOlderMessages(ctx, chatID, cursor)
	require.NoError(t, err)
	assert.Empty(t, again.Messages)
	assert.False(t, again.HasMore)

	_, err = a.sync.LoadOlderMessages(ctx, chatID, "%%%")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEditUpdatesSummaryOnlyForLastMessage(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, true)

	first, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "one"})
	require.NoError(t, err)
	second, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "two"})
	require.NoError(t, err)

	require.NoError(t, a.sync.EditMessage(ctx, chatID, first, "uno"))
	m := a.message(first)
	assert.Equal(t, "uno", m.Content)
	assert.True(t, m.IsEdited)
	assert.NotNil(t, m.EditedAt)
	lc, err := a.local.GetChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "two", lc.LastMessage.Content)
	rc, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, second, rc.LastMessage.MessageID)

	require.NoError(t, a.sync.EditMessage(ctx, chatID, second, "dos"))
	lc, err = a.local.GetChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "dos", lc.LastMessage.Content)
	assert.Equal(t, second, lc.LastMessage.MessageID)

	remoteSecond, err := w.rc.GetMessage(ctx, chatID, second)
	require.NoError(t, err)
	assert.True(t, remoteSecond.IsEdited)
	assert.NotContains(t, remoteSecond.EncryptedContent, "dos")
}

func TestOnlySenderCanEditOrDelete(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)
	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "mine"})
	require.NoError(t, err)

	err = b.sync.EditMessage(ctx, chatID, id, "yours")
	assert.ErrorIs(t, err, apperr.ErrPermission)
	assert.Equal(t, "yours", apperr.InputOf(err))
	err = b.sync.DeleteMessage(ctx, chatID, id)
	assert.ErrorIs(t, err, apperr.ErrPermission)

	err = a.sync.EditMessage(ctx, chatID, "missing", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, true)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "burn after reading"})
	require.NoError(t, err)
	require.NoError(t, a.sync.DeleteMessage(ctx, chatID, id))

	for _, m := range []*model.Message{a.message(id), mustRemote(t, w, chatID, id)} {
		require.NotNil(t, m)
		assert.Equal(t, model.MessageTypeDeleted, m.Type)
		assert.Equal(t, model.DeletedPlaceholder, m.Content)
		assert.Empty(t, m.EncryptedContent)
		assert.False(t, m.IsEncrypted)
		assert.Nil(t, m.Image)
		assert.Nil(t, m.Video)
	}
	lc, err := a.local.GetChatByID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "burn after reading", lc.LastMessage.Content, "summary is not rewritten")

	err = a.sync.DeleteMessage(ctx, chatID, id)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func mustRemote(t *testing.T, w *world, chatID, id string) *model.Message {
	t.Helper()
	m, err := w.rc.GetMessage(context.Background(), chatID, id)
	require.NoError(t, err)
	return m
}

func TestMediaMessage(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	proc := fakeMedia{d: media.Descriptor{
		Kind:        model.MessageTypeImage,
		DownloadURL: "https://cdn.example/chats/x.jpg",
		Width:       800,
		Height:      600,
		Size:        1234,
	}}
	a := w.client(t, "alice", withMedia(proc))
	chatID := a.chatWith(t, alice, bob, false)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{MediaURI: "/tmp/cat.jpg"})
	require.NoError(t, err)
	m := mustRemote(t, w, chatID, id)
	assert.Equal(t, model.MessageTypeImage, m.Type)
	require.NotNil(t, m.Image)
	assert.Equal(t, 800, m.Image.Width)
	assert.Equal(t, "https://cdn.example/chats/x.jpg", m.Image.DownloadURL)

	rc, err := w.rc.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "📷 Photo", rc.LastMessage.Content)
	assert.Equal(t, model.MessageTypeImage, rc.LastMessage.Type)
}

func TestMediaFailureSendsMarker(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	uploadErr := errors.New("bucket unavailable")
	a := w.client(t, "alice", withMedia(fakeMedia{err: uploadErr}))
	chatID := a.chatWith(t, alice, bob, false)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "look", MediaURI: "/tmp/cat.jpg"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrMedia)
	assert.ErrorIs(t, err, uploadErr)
	assert.Equal(t, "look", apperr.InputOf(err))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, id, ae.MessageID)
	require.NotEmpty(t, id)

	local := a.message(id)
	require.NotNil(t, local)
	assert.Equal(t, model.MessageTypeText, local.Type)
	assert.Equal(t, model.MediaFailedPlaceholder, local.Content)
	assert.Nil(t, local.Image)
	assert.Len(t, a.messages(t, chatID), 1)

	m := mustRemote(t, w, chatID, id)
	assert.Equal(t, model.MediaFailedPlaceholder, m.Content)
}

func TestUndecryptableMessageShowsPlaceholder(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob", withTransforms(transform.NewResolver(nil)))
	chatID := a.chatWith(t, alice, bob, true)

	cs, err := b.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "hidden"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.message(id) != nil }, waitFor, tick)
	m := b.message(id)
	assert.Equal(t, model.DecryptFailedPlaceholder, m.Content)
	require.Eventually(t, func() bool {
		e, ok := cs.View().Get(id)
		return ok && e.Message.DecryptFailed
	}, waitFor, tick)
}

func TestEvictedMessagesStayLocal(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice", withIngestLimit(2))
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)
	_, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)

	var ids []string
	for _, text := range []string{"1", "2", "3"} {
		id, err := b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: text})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return len(a.messages(t, chatID)) == 3 }, waitFor, tick)

	require.NoError(t, w.rc.RemoveMessage(ctx, chatID, ids[2]))
	require.Eventually(t, func() bool { return a.message(ids[2]) == nil }, waitFor, tick)
	assert.NotNil(t, a.message(ids[0]), "evicted from the live window, still on the server")
	assert.NotNil(t, a.message(ids[1]))
}

func TestClosedSessionIgnoresLateChanges(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)

	first, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	second, err := a.sync.OpenChat(ctx, chatID)
	require.NoError(t, err)
	assert.False(t, first.active())
	assert.Same(t, second, a.sync.Session(chatID))
	assert.Greater(t, second.Generation(), first.Generation())

	a.sync.CloseChat(chatID)
	assert.Nil(t, a.sync.Session(chatID))
	select {
	case <-second.Done():
	default:
		t.Fatal("closed session context is still live")
	}

	id, err := b.sync.SendMessage(ctx, chatID, "alice", Outgoing{Content: "late"})
	require.NoError(t, err)
	assert.Never(t, func() bool { return a.message(id) != nil }, 100*time.Millisecond, tick)
	assert.Empty(t, second.View().Snapshot())
}

func TestMarkMessageRead(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	b := w.client(t, "bob")
	chatID := a.chatWith(t, alice, bob, false)
	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "read me"})
	require.NoError(t, err)

	require.NoError(t, b.sync.MarkMessageRead(ctx, chatID, id))
	m := mustRemote(t, w, chatID, id)
	assert.Equal(t, []string{"bob"}, m.ReadBy)
	assert.Equal(t, model.MessageStatusRead, m.DeriveStatus())

	err = b.sync.MarkMessageRead(ctx, chatID, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReplyCarriesDenormalizedPreview(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.client(t, "alice")
	chatID := a.chatWith(t, alice, bob, false)
	orig, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "question?"})
	require.NoError(t, err)

	id, err := a.sync.SendMessage(ctx, chatID, "bob", Outgoing{Content: "answer", ReplyToID: orig})
	require.NoError(t, err)
	m := mustRemote(t, w, chatID, id)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, orig, m.ReplyTo.MessageID)
	assert.Equal(t, "question?", m.ReplyTo.Content)
	assert.Equal(t, "alice", m.ReplyTo.SenderUsername)
}

func TestRetryGivesUpSilently(t *testing.T) {
	w := newWorld(t)
	a := w.client(t, "alice")
	ctx := context.Background()

	calls := 0
	err := a.sync.retry(ctx, "test", func() error {
		calls++
		return storage.ErrNotFound
	})
	assert.NoError(t, err)
	assert.Equal(t, 4, calls)

	calls = 0
	boom := errors.New("boom")
	err = a.sync.retry(ctx, "test", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = a.sync.retry(ctx, "test", func() error {
		calls++
		if calls < 3 {
			return storage.ErrNotFound
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSameContent(t *testing.T) {
	local := &model.Message{Type: model.MessageTypeText, Content: "hi", ReadBy: []string{"bob"}}
	doc := &model.Message{Type: model.MessageTypeText, Content: "hi"}
	assert.True(t, sameContent(local, doc))

	doc.Content = "hi!"
	assert.False(t, sameContent(local, doc))

	enc := &model.Message{Type: model.MessageTypeText, Content: "plain", IsEncrypted: true, EncryptedContent: "c1"}
	assert.True(t, sameContent(enc, &model.Message{Type: model.MessageTypeText, IsEncrypted: true, EncryptedContent: "c1"}))
	assert.False(t, sameContent(enc, &model.Message{Type: model.MessageTypeDeleted, Content: model.DeletedPlaceholder}))

	stamped := &model.Message{Type: model.MessageTypeText, Content: "hi", Timestamp: time.Unix(100, 0)}
	assert.False(t, sameContent(stamped, &model.Message{Type: model.MessageTypeText, Content: "hi", Timestamp: time.Unix(200, 0)}))
	edited := time.Unix(300, 0)
	assert.False(t, sameContent(stamped, &model.Message{Type: model.MessageTypeText, Content: "hi", Timestamp: time.Unix(100, 0), EditedAt: &edited}))
}
