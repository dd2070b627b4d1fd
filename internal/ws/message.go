package ws

import (
	"github.com/dmsync/internal/model"
)

type EventType string

const (
	// от клиента
	EventSendMessage   EventType = "send_message"
	EventEditMessage   EventType = "edit_message"
	EventDeleteMessage EventType = "delete_message"
	EventMarkRead      EventType = "mark_read"
	EventOpenChat      EventType = "open_chat"
	EventCloseChat     EventType = "close_chat"

	// к клиенту
	EventMessagesSnapshot EventType = "messages_snapshot"
	EventChatsSnapshot    EventType = "chats_snapshot"
	EventSent             EventType = "sent"
	EventError            EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type       EventType `json:"type"`
	ChatID     string    `json:"chat_id,omitempty"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	MediaURI   string    `json:"media_uri,omitempty"`
	ReplyToID  string    `json:"reply_to_id,omitempty"`

	// For edit/delete/mark_read
	MessageID string `json:"message_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessagesSnapshotPayload полный отсортированный список открытого чата (новые первыми).
type MessagesSnapshotPayload struct {
	ChatID   string          `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}

type ChatsSnapshotPayload struct {
	Chats []model.ChatListItem `json:"chats"`
}

type SentPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ErrorPayload возвращает клиенту вид ошибки и, если есть, исходный текст ввода.
type ErrorPayload struct {
	Type      EventType `json:"type,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	Input     string    `json:"input,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}
