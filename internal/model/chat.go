package model

import (
	"slices"
	"time"
)

// ParticipantDetails снимок профиля участника на момент создания чата.
// Не обновляется при изменении профиля.
type ParticipantDetails struct {
	Username    string `json:"username" bson:"username"`
	DisplayName string `json:"display_name,omitempty" bson:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty" bson:"avatar_url,omitempty"`
}

// LastMessage денормализованная сводка последнего принятого сообщения чата.
type LastMessage struct {
	MessageID      string      `json:"message_id" bson:"message_id"`
	Content        string      `json:"content" bson:"content"`
	SenderID       string      `json:"sender_id" bson:"sender_id"`
	SenderUsername string      `json:"sender_username" bson:"sender_username"`
	Timestamp      time.Time   `json:"timestamp" bson:"timestamp"`
	Type           MessageType `json:"type" bson:"type"`
	IsEncrypted    bool        `json:"is_encrypted" bson:"is_encrypted"`
}

type Chat struct {
	ID                 string                        `json:"id" bson:"_id"`
	Participants       []string                      `json:"participants" bson:"participants"`
	ParticipantDetails map[string]ParticipantDetails `json:"participant_details" bson:"participant_details"`
	LastMessage        *LastMessage                  `json:"last_message,omitempty" bson:"last_message,omitempty"`
	LastActivity       time.Time                     `json:"last_activity" bson:"last_activity"`
	UnreadCount        map[string]int                `json:"unread_count" bson:"unread_count"`
	IsSecretChat       bool                          `json:"is_secret_chat" bson:"is_secret_chat"`
	EncryptionEnabled  bool                          `json:"encryption_enabled" bson:"encryption_enabled"`
	CreatedAt          time.Time                     `json:"created_at" bson:"created_at"`
}

// HasParticipant сообщает, состоит ли userID в чате.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// OtherParticipant возвращает id собеседника (для чата на двоих).
func (c *Chat) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Unread возвращает счётчик непрочитанных для userID (0, если записи нет).
func (c *Chat) Unread(userID string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[userID]
}

// Clone возвращает глубокую копию (maps и slices не разделяются).
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.ParticipantDetails != nil {
		out.ParticipantDetails = make(map[string]ParticipantDetails, len(c.ParticipantDetails))
		for k, v := range c.ParticipantDetails {
			out.ParticipantDetails[k] = v
		}
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// ChatListItem строка списка чатов с точки зрения конкретного пользователя.
type ChatListItem struct {
	Chat        *Chat   `json:"chat"`
	OtherUser   Profile `json:"other_user"`
	UnreadCount int     `json:"unread_count"`
}

// NewChatListItem проецирует чат на viewerID: собеседник берётся из ParticipantDetails.
func NewChatListItem(c *Chat, viewerID string) ChatListItem {
	otherID := c.OtherParticipant(viewerID)
	d := c.ParticipantDetails[otherID]
	return ChatListItem{
		Chat: c,
		OtherUser: Profile{
			ID:          otherID,
			Username:    d.Username,
			DisplayName: d.DisplayName,
			AvatarURL:   d.AvatarURL,
		},
		UnreadCount: c.Unread(viewerID),
	}
}

// SortByActivity сортирует список по последней активности (новые сверху).
func SortByActivity(items []ChatListItem) {
	slices.SortStableFunc(items, func(a, b ChatListItem) int {
		if c := b.Chat.LastActivity.Compare(a.Chat.LastActivity); c != 0 {
			return c
		}
		return compareStrings(a.Chat.ID, b.Chat.ID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
