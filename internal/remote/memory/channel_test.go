package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fixedClock всегда отдаёт одно время; Channel сам делает его строго возрастающим.
func fixedClock() time.Time { return t0 }

func newChat(id, a, b string) *model.Chat {
	return &model.Chat{ID: id, Participants: []string{a, b}}
}

func send(t *testing.T, c *Channel, chatID, sender, receiver, text string) *model.Message {
	t.Helper()
	m, err := c.Commit(context.Background(), remote.Batch{
		NewMessage: &model.Message{ChatID: chatID, SenderID: sender, Content: text, Type: model.MessageTypeText, Status: model.MessageStatusSent},
		Chats: []remote.ChatUpdate{{
			ChatID:          chatID,
			LastMessage:     &model.LastMessage{Content: text, SenderID: sender, Type: model.MessageTypeText},
			IncrementUnread: []string{receiver},
		}},
	})
	require.NoError(t, err)
	return m
}

type recorder[T any] struct {
	mu    sync.Mutex
	snaps []remote.Snapshot[T]
}

func (r *recorder[T]) add(s remote.Snapshot[T]) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder[T]) at(i int) remote.Snapshot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[i]
}

func TestCreateChatIsCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	created, err := c.CreateChat(ctx, newChat("a_b", "a", "b"))
	require.NoError(t, err)
	assert.True(t, created)

	again := newChat("a_b", "a", "b")
	again.IsSecretChat = true
	created, err = c.CreateChat(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := c.GetChat(ctx, "a_b")
	require.NoError(t, err)
	assert.False(t, got.IsSecretChat)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, got.UnreadCount)
}

func TestCommitAssignsServerTimestampAndUpdatesChat(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	_, err := c.CreateChat(ctx, newChat("a_b", "a", "b"))
	require.NoError(t, err)

	m1 := send(t, c, "a_b", "a", "b", "one")
	m2 := send(t, c, "a_b", "a", "b", "two")
	assert.NotEmpty(t, m1.ID)
	assert.True(t, m2.Timestamp.After(m1.Timestamp))

	chat, err := c.GetChat(ctx, "a_b")
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessage)
	assert.Equal(t, m2.ID, chat.LastMessage.MessageID)
	assert.Equal(t, "two", chat.LastMessage.Content)
	assert.Equal(t, 2, chat.UnreadCount["b"])
	assert.Equal(t, 0, chat.UnreadCount["a"])
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, err := c.CreateChat(ctx, newChat("a_b", "a", "b"))
	require.NoError(t, err)

	_, err = c.Commit(ctx, remote.Batch{
		NewMessage: &model.Message{ChatID: "a_b", SenderID: "a", Content: "x", Type: model.MessageTypeText},
		Chats:      []remote.ChatUpdate{{ChatID: "missing", IncrementUnread: []string{"b"}}},
	})
	require.ErrorIs(t, err, remote.ErrNotFound)

	page, err := c.QueryMessages(ctx, "a_b", 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, err := c.CreateChat(ctx, newChat("a_b", "a", "b"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Commit(ctx, remote.Batch{Chats: []remote.ChatUpdate{{ChatID: "a_b", IncrementUnread: []string{"b"}}}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	chat, _ := c.GetChat(ctx, "a_b")
	assert.Equal(t, 50, chat.UnreadCount["b"])
}

func TestPatchOnlyIfLastUsesIDEquality(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	_, _ = c.CreateChat(ctx, newChat("a_b", "a", "b"))
	m1 := send(t, c, "a_b", "a", "b", "first")
	m2 := send(t, c, "a_b", "a", "b", "second")

	editFirst := remote.Batch{
		Patch: &remote.MessagePatch{ChatID: "a_b", MessageID: m1.ID, Edit: &remote.Edit{Content: "first!"}},
		Chats: []remote.ChatUpdate{{ChatID: "a_b", LastMessage: &model.LastMessage{Content: "first!"}, OnlyIfLast: true}},
	}
	edited, err := c.Commit(ctx, editFirst)
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
	chat, _ := c.GetChat(ctx, "a_b")
	assert.Equal(t, "second", chat.LastMessage.Content)

	_, err = c.Commit(ctx, remote.Batch{
		Patch: &remote.MessagePatch{ChatID: "a_b", MessageID: m2.ID, Edit: &remote.Edit{Content: "second!"}},
		Chats: []remote.ChatUpdate{{ChatID: "a_b", LastMessage: &model.LastMessage{Content: "second!"}, OnlyIfLast: true}},
	})
	require.NoError(t, err)
	chat, _ = c.GetChat(ctx, "a_b")
	assert.Equal(t, "second!", chat.LastMessage.Content)
	assert.Equal(t, m2.ID, chat.LastMessage.MessageID)
	assert.True(t, chat.LastMessage.Timestamp.Equal(m2.Timestamp))
}

func TestQueryMessagesPaginatesToExhaustion(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	_, _ = c.CreateChat(ctx, newChat("a_b", "a", "b"))
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		send(t, c, "a_b", "a", "b", s)
	}

	var seen []string
	cursor := remote.Cursor("")
	for i := 0; i < 10; i++ {
		page, err := c.QueryMessages(ctx, "a_b", 2, cursor)
		require.NoError(t, err)
		for _, m := range page.Messages {
			seen = append(seen, m.Content)
		}
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, seen)

	page, err := c.QueryMessages(ctx, "a_b", 2, cursor)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Equal(t, cursor, page.Cursor)

	_, err = c.QueryMessages(ctx, "a_b", 2, "%%%")
	assert.ErrorIs(t, err, remote.ErrBadCursor)
}

func TestWatchMessagesReportsChangeKinds(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	_, _ = c.CreateChat(ctx, newChat("a_b", "a", "b"))
	m1 := send(t, c, "a_b", "a", "b", "one")

	rec := &recorder[model.Message]{}
	sub, err := c.WatchMessages(ctx, "a_b", 2, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	first := rec.at(0)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, remote.Added, first.Changes[0].Kind)

	_, err = c.Commit(ctx, remote.Batch{Patch: &remote.MessagePatch{ChatID: "a_b", MessageID: m1.ID, AddReader: "b"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, remote.Modified, rec.at(1).Changes[0].Kind)
	assert.Equal(t, []string{"b"}, rec.at(1).Changes[0].Doc.ReadBy)

	send(t, c, "a_b", "b", "a", "two")
	send(t, c, "a_b", "b", "a", "three")
	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	last := rec.at(3)
	kinds := map[remote.ChangeKind]string{}
	for _, ch := range last.Changes {
		kinds[ch.Kind] = ch.Doc.Content
	}
	assert.Equal(t, "three", kinds[remote.Added])
	assert.Equal(t, "one", kinds[remote.Removed])
	require.Len(t, last.Docs, 2)
	assert.Equal(t, "three", last.Docs[0].Content)
	assert.Equal(t, "two", last.Docs[1].Content)
}

func TestNoCallbacksAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, _ = c.CreateChat(ctx, newChat("a_b", "a", "b"))

	rec := &recorder[model.Chat]{}
	sub, err := c.WatchUserChats(ctx, "a", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	send(t, c, "a_b", "b", "a", "late")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestWatchUserChatsSortsByActivity(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock))
	_, _ = c.CreateChat(ctx, newChat("a_b", "a", "b"))
	_, _ = c.CreateChat(ctx, newChat("a_c", "a", "c"))
	_, _ = c.CreateChat(ctx, newChat("b_c", "b", "c"))

	rec := &recorder[model.Chat]{}
	sub, err := c.WatchUserChats(ctx, "a", rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	send(t, c, "a_b", "b", "a", "hi")
	send(t, c, "a_c", "c", "a", "hey")
	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	last := rec.at(2)
	require.Len(t, last.Docs, 2)
	assert.Equal(t, "a_c", last.Docs[0].ID)
	assert.Equal(t, "hey", last.Docs[0].LastMessage.Content)
}
