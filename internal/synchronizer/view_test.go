package synchronizer

import (
	"math/rand"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newestFirst(msgs []model.Message) bool {
	return slices.IsSortedFunc(msgs, func(a, b model.Message) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.Key() > b.Key():
			return -1
		case a.Key() < b.Key():
			return 1
		}
		return 0
	})
}

func TestMessageListStaysSortedForAnyArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	l := NewMessageList("c")
	var broken int
	l.Subscribe(func(msgs []model.Message) {
		if !newestFirst(msgs) {
			broken++
		}
	})

	for i := 0; i < 200; i++ {
		id := "m" + strconv.Itoa(rng.Intn(60))
		m := model.Message{
			ID:        id,
			ChatID:    "c",
			Type:      model.MessageTypeText,
			Content:   id,
			Timestamp: base.Add(time.Duration(rng.Intn(40)) * time.Second),
		}
		switch rng.Intn(4) {
		case 0:
			l.Remove(id)
		case 1:
			m.ID = "temp_" + id
			m.TempID = m.ID
			l.AddPending(m)
		default:
			l.Upsert(m)
		}
	}
	assert.Zero(t, broken)
	assert.True(t, newestFirst(l.Snapshot()))
}

func TestMessageListConfirmSwapsInOneChange(t *testing.T) {
	l := NewMessageList("c")
	var snaps [][]model.Message
	l.Subscribe(func(msgs []model.Message) { snaps = append(snaps, msgs) })

	now := time.Now().UTC()
	pending := model.Message{ID: "temp_1", TempID: "temp_1", Content: "hi", Timestamp: now, Status: model.MessageStatusSending}
	l.AddPending(pending)
	e, ok := l.Get("temp_1")
	require.True(t, ok)
	assert.Equal(t, Pending, e.Phase)

	confirmed := model.Message{ID: "srv1", Content: "hi", Timestamp: now.Add(time.Millisecond), Status: model.MessageStatusSent}
	l.Confirm("temp_1", confirmed)

	require.Len(t, snaps, 2)
	require.Len(t, snaps[1], 1)
	assert.Equal(t, "srv1", snaps[1][0].ID)
	assert.False(t, l.Has("temp_1"))
	e, ok = l.Get("srv1")
	require.True(t, ok)
	assert.Equal(t, Confirmed, e.Phase)
	assert.Equal(t, "confirmed", e.Phase.String())
}

func TestMessageListConfirmFromPrefersCache(t *testing.T) {
	l := NewMessageList("c")
	l.AddPending(model.Message{ID: "temp_1", TempID: "temp_1", Status: model.MessageStatusSending})

	fresh := &model.Message{ID: "srv1", Status: model.MessageStatusRead, ReadBy: []string{"bob"}}
	l.ConfirmFrom("temp_1", model.Message{ID: "srv1", Status: model.MessageStatusSent}, func(id string) (*model.Message, error) {
		return fresh, nil
	})
	e, ok := l.Get("srv1")
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusRead, e.Message.Status)

	l.Refresh("absent", func(string) (*model.Message, error) {
		t.Fatal("absent entries are not loaded")
		return nil, nil
	})
	l.Refresh("srv1", func(string) (*model.Message, error) { return nil, storage.ErrNotFound })
	_, ok = l.Get("srv1")
	assert.True(t, ok, "failed reload keeps the entry")
}

func TestMessageListCachedTempRowsArePending(t *testing.T) {
	l := NewMessageList("c")
	l.Replace([]model.Message{
		{ID: "temp_x", TempID: "temp_x", Timestamp: time.Now()},
		{ID: "srv", Timestamp: time.Now().Add(-time.Minute)},
	})
	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Pending, entries[0].Phase)
	assert.Equal(t, Confirmed, entries[1].Phase)
}

func TestNilMessageListIsNoop(t *testing.T) {
	var l *MessageList
	l.AddPending(model.Message{ID: "x"})
	l.Upsert(model.Message{ID: "x"})
	l.Remove("x")
	l.Refresh("x", nil)
	assert.False(t, l.Has("x"))
}

func TestUnsubscribedObserverStopsReceiving(t *testing.T) {
	l := NewMessageList("c")
	calls := 0
	unsub := l.Subscribe(func([]model.Message) { calls++ })
	l.Upsert(model.Message{ID: "a"})
	unsub()
	l.Upsert(model.Message{ID: "b"})
	assert.Equal(t, 1, calls)
}
