package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	remotemem "github.com/dmsync/internal/remote/memory"
	"github.com/dmsync/internal/storage/memory"
	"github.com/dmsync/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = &model.Profile{ID: "alice", Username: "alice", DisplayName: "Alice"}
	bob   = &model.Profile{ID: "bob", Username: "bob"}
	carol = &model.Profile{ID: "carol", Username: "carol"}
)

func newRegistry(t *testing.T) (*Registry, *remotemem.Channel, *memory.Store) {
	t.Helper()
	rc := remotemem.New()
	local := memory.NewStore()
	t.Cleanup(func() { _ = rc.Close(context.Background()) })
	return New(rc, local, transform.NewResolver(nil)), rc, local
}

func TestChatID(t *testing.T) {
	id, err := ChatID("bob", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", id)

	id2, _ := ChatID("alice", "bob", false)
	assert.Equal(t, id, id2)

	secret, _ := ChatID("alice", "bob", true)
	assert.Equal(t, "secret_alice_bob", secret)
	assert.True(t, IsSecretID(secret))

	_, err = ChatID("alice", "alice", false)
	assert.ErrorIs(t, err, ErrSelfChat)
}

func TestCreateChatIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, rc, local := newRegistry(t)

	id, err := r.CreateChat(ctx, alice, bob, false)
	require.NoError(t, err)
	again, err := r.CreateChat(ctx, bob, alice, false)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	c, err := rc.GetChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.ParticipantDetails["alice"].DisplayName)

	items, err := local.GetUserChats(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].OtherUser.ID)

	secretID, err := r.CreateChat(ctx, alice, bob, true)
	require.NoError(t, err)
	assert.NotEqual(t, id, secretID)

	_, err = r.CreateChat(ctx, alice, alice, false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUnreadCounters(t *testing.T) {
	ctx := context.Background()
	r, _, local := newRegistry(t)
	id, err := r.CreateChat(ctx, alice, bob, false)
	require.NoError(t, err)

	require.NoError(t, r.IncrementUnreadCount(ctx, id, "bob"))
	require.NoError(t, r.IncrementUnreadCount(ctx, id, "bob"))
	c, _ := local.GetChatByID(ctx, id)
	assert.Equal(t, 2, c.Unread("bob"))

	require.NoError(t, r.MarkChatAsRead(ctx, id, "bob"))
	c, _ = local.GetChatByID(ctx, id)
	assert.Equal(t, 0, c.Unread("bob"))

	require.NoError(t, r.IncrementUnreadCount(ctx, id, "bob"))
	c, _ = local.GetChatByID(ctx, id)
	assert.Equal(t, 1, c.Unread("bob"))

	err = r.MarkChatAsRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestChatFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	r, rc, local := newRegistry(t)
	_, err := rc.CreateChat(ctx, &model.Chat{ID: "alice_bob", Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	c, err := r.Chat(ctx, "alice_bob")
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", c.ID)
	_, err = local.GetChatByID(ctx, "alice_bob")
	assert.NoError(t, err)

	_, err = r.Chat(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

type listRecorder struct {
	mu    sync.Mutex
	lists [][]model.ChatListItem
}

func (l *listRecorder) add(items []model.ChatListItem) {
	l.mu.Lock()
	l.lists = append(l.lists, items)
	l.mu.Unlock()
}

func (l *listRecorder) last() []model.ChatListItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lists) == 0 {
		return nil
	}
	return l.lists[len(l.lists)-1]
}

func (l *listRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lists)
}

func sendText(t *testing.T, rc remote.Channel, chatID, from, to, text string) {
	t.Helper()
	_, err := rc.Commit(context.Background(), remote.Batch{
		NewMessage: &model.Message{ChatID: chatID, SenderID: from, SenderUsername: from, Content: text, Type: model.MessageTypeText},
		Chats: []remote.ChatUpdate{{
			ChatID:          chatID,
			LastMessage:     &model.LastMessage{Content: text, SenderID: from, SenderUsername: from, Type: model.MessageTypeText},
			IncrementUnread: []string{to},
		}},
	})
	require.NoError(t, err)
}

func TestListenToUserChatsOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	r, rc, local := newRegistry(t)
	ab, err := r.CreateChat(ctx, alice, bob, false)
	require.NoError(t, err)
	ac, err := r.CreateChat(ctx, alice, carol, false)
	require.NoError(t, err)

	rec := &listRecorder{}
	sub, err := r.ListenToUserChats(ctx, "alice", rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sendText(t, rc, ab, "bob", "alice", "hi")
	time.Sleep(2 * time.Millisecond)
	sendText(t, rc, ac, "carol", "alice", "hey")

	require.Eventually(t, func() bool {
		items := rec.last()
		return len(items) == 2 && items[0].Chat.LastMessage != nil && items[0].Chat.LastMessage.Content == "hey"
	}, time.Second, 5*time.Millisecond)
	items := rec.last()
	assert.Equal(t, ac, items[0].Chat.ID)
	assert.Equal(t, "carol", items[0].OtherUser.ID)
	assert.Equal(t, 1, items[0].UnreadCount)

	require.Eventually(t, func() bool {
		chats, err := local.GetUserChats(ctx, "alice")
		return err == nil && len(chats) == 2 && chats[0].Chat.ID == ac && chats[0].Chat.LastMessage != nil &&
			chats[0].Chat.LastMessage.Content == "hey"
	}, time.Second, 5*time.Millisecond)
}

func TestListenIgnoresCallbacksAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	r, rc, _ := newRegistry(t)
	ab, err := r.CreateChat(ctx, alice, bob, false)
	require.NoError(t, err)

	rec := &listRecorder{}
	sub, err := r.ListenToUserChats(ctx, "alice", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	sub.Unsubscribe()

	sendText(t, rc, ab, "bob", "alice", "late")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSecretSummaryIsDecryptedForDisplay(t *testing.T) {
	ctx := context.Background()
	rc := remotemem.New()
	local := memory.NewStore()
	mk, err := transform.ParseMasterKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	secret := transform.NewSecret(mk)
	r := New(rc, local, transform.NewResolver(secret))

	id, err := r.CreateChat(ctx, alice, bob, true)
	require.NoError(t, err)
	c, _ := rc.GetChat(ctx, id)
	enc, err := secret.Encode("classified", transform.ContextOf(c))
	require.NoError(t, err)
	_, err = rc.Commit(ctx, remote.Batch{Chats: []remote.ChatUpdate{{
		ChatID:      id,
		LastMessage: &model.LastMessage{MessageID: "m1", Content: enc.Content, SenderID: "bob", Type: model.MessageTypeText, IsEncrypted: true, Timestamp: time.Now()},
	}}})
	require.NoError(t, err)

	rec := &listRecorder{}
	sub, err := r.ListenToUserChats(ctx, "alice", rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	items := rec.last()
	require.Len(t, items, 1)
	assert.Equal(t, "classified", items[0].Chat.LastMessage.Content)
}
