package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/metrics"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/synchronizer"
)

const opTimeout = 30 * time.Second

// Syncer операции синхронизатора, доступные из WebSocket.
type Syncer interface {
	SendMessage(ctx context.Context, chatID, receiverID string, out synchronizer.Outgoing) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, content string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	MarkMessageRead(ctx context.Context, chatID, messageID string) error
	OpenChat(ctx context.Context, chatID string) (*synchronizer.ChatSession, error)
	CloseChat(chatID string)
}

// Hub раздаёт снимки открытых чатов и списка чатов всем подключённым клиентам.
// Последние снимки кешируются и отправляются новому клиенту сразу после подключения.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	maxConns int
	syncer   Syncer
	metrics  *metrics.Metrics

	snapMu   sync.Mutex
	messages map[string][]model.Message
	chats    []model.ChatListItem
	hasChats bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

var _ synchronizer.Observer = (*Hub)(nil)

func NewHub(syncer Syncer, maxConns int, m *metrics.Metrics) *Hub {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		syncer:     syncer,
		metrics:    m,
		messages:   make(map[string][]model.Message),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	h.metrics.WSClients(0)

	// сетевой I/O вне блокировки
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws: connection limit reached (%d)", h.maxConns)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients(n)

	h.snapMu.Lock()
	if h.hasChats {
		h.sendToClient(c, OutgoingMessage{Type: EventChatsSnapshot, Payload: ChatsSnapshotPayload{Chats: h.chats}})
	}
	for chatID, msgs := range h.messages {
		h.sendToClient(c, OutgoingMessage{Type: EventMessagesSnapshot, Payload: MessagesSnapshotPayload{ChatID: chatID, Messages: msgs}})
	}
	h.snapMu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients(n)
	c.Close()
}

// Clients число подключённых клиентов.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MessagesChanged вызывается синхронизатором под блокировкой представления, поэтому не блокирует.
func (h *Hub) MessagesChanged(chatID string, msgs []model.Message) {
	h.snapMu.Lock()
	h.messages[chatID] = msgs
	h.snapMu.Unlock()
	h.broadcast(OutgoingMessage{Type: EventMessagesSnapshot, Payload: MessagesSnapshotPayload{ChatID: chatID, Messages: msgs}})
}

// ChatsChanged получает список чатов из Registry.ListenToUserChats.
func (h *Hub) ChatsChanged(items []model.ChatListItem) {
	h.snapMu.Lock()
	h.chats = items
	h.hasChats = true
	h.snapMu.Unlock()
	h.broadcast(OutgoingMessage{Type: EventChatsSnapshot, Payload: ChatsSnapshotPayload{Chats: items}})
}

// Forget убирает закешированный снимок закрытого чата.
func (h *Hub) Forget(chatID string) {
	h.snapMu.Lock()
	delete(h.messages, chatID)
	h.snapMu.Unlock()
}

func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventSendMessage:
		var id string
		id, err = h.syncer.SendMessage(ctx, msg.ChatID, msg.ReceiverID, synchronizer.Outgoing{
			Content:   msg.Content,
			MediaURI:  msg.MediaURI,
			ReplyToID: msg.ReplyToID,
		})
		if err == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventSent, Payload: SentPayload{ChatID: msg.ChatID, MessageID: id}})
		}
	case EventEditMessage:
		err = h.syncer.EditMessage(ctx, msg.ChatID, msg.MessageID, msg.Content)
	case EventDeleteMessage:
		err = h.syncer.DeleteMessage(ctx, msg.ChatID, msg.MessageID)
	case EventMarkRead:
		err = h.syncer.MarkMessageRead(ctx, msg.ChatID, msg.MessageID)
	case EventOpenChat:
		_, err = h.syncer.OpenChat(ctx, msg.ChatID)
	case EventCloseChat:
		h.syncer.CloseChat(msg.ChatID)
		h.Forget(msg.ChatID)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Type:    msg.Type,
			Kind:    string(apperr.KindValidation),
			Message: "unknown event type",
		}})
		return
	}
	if err != nil {
		logger.Debugf("ws: %s chat=%s: %v", msg.Type, msg.ChatID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: errorPayload(msg.Type, err)})
	}
}

func errorPayload(t EventType, err error) ErrorPayload {
	p := ErrorPayload{Type: t, Kind: string(apperr.KindOf(err)), Message: err.Error(), Input: apperr.InputOf(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		p.MessageID = ae.MessageID
	}
	return p
}

func (h *Hub) broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// буфер переполнен: медленный клиент отключается
		logger.Errorf("ws: send buffer full, closing slow client")
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
