package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypeImage   MessageType = "image"
	MessageTypeVideo   MessageType = "video"
	MessageTypeFile    MessageType = "file"
	MessageTypeDeleted MessageType = "deleted"
)

// Valid сообщает, входит ли тип в закрытый список.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeDeleted:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusRead    MessageStatus = "read"
	MessageStatusFailed  MessageStatus = "failed"
)

// rank задаёт порядок статусов: sending → sent → read. failed вне цепочки.
func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSending:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// Max возвращает более поздний из двух статусов (статус не откатывается назад).
func (s MessageStatus) Max(other MessageStatus) MessageStatus {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

const (
	// DeletedPlaceholder текст надгробия удалённого сообщения.
	DeletedPlaceholder = "This message was deleted"
	// DecryptFailedPlaceholder показывается вместо содержимого, которое не удалось расшифровать.
	DecryptFailedPlaceholder = "🔒 Unable to decrypt message"
	// MediaFailedPlaceholder заменяет медиа-сообщение, если загрузка не удалась.
	MediaFailedPlaceholder = "⚠️ Failed to upload media"
)

type ImageData struct {
	URI         string `json:"uri,omitempty" bson:"uri,omitempty"`
	DownloadURL string `json:"download_url" bson:"download_url"`
	Width       int    `json:"width" bson:"width"`
	Height      int    `json:"height" bson:"height"`
	Size        int64  `json:"size" bson:"size"`
}

type VideoData struct {
	URI         string  `json:"uri,omitempty" bson:"uri,omitempty"`
	DownloadURL string  `json:"download_url" bson:"download_url"`
	Width       int     `json:"width" bson:"width"`
	Height      int     `json:"height" bson:"height"`
	Size        int64   `json:"size" bson:"size"`
	Duration    float64 `json:"duration" bson:"duration"` // секунды
}

type FileData struct {
	URI         string `json:"uri,omitempty" bson:"uri,omitempty"`
	DownloadURL string `json:"download_url" bson:"download_url"`
	Name        string `json:"name" bson:"name"`
	Size        int64  `json:"size" bson:"size"`
}

// ReplyRef денормализованная ссылка на исходное сообщение (не внешний ключ).
type ReplyRef struct {
	MessageID      string `json:"message_id" bson:"message_id"`
	Content        string `json:"content" bson:"content"`
	SenderUsername string `json:"sender_username" bson:"sender_username"`
}

// Message сообщение личного чата.
// Поля Image/Video/File заполняются только для соответствующего Type (см. Validate).
type Message struct {
	ID                string        `json:"id" bson:"_id"`
	TempID            string        `json:"temp_id,omitempty" bson:"temp_id,omitempty"`
	ChatID            string        `json:"chat_id" bson:"chat_id"`
	SenderID          string        `json:"sender_id" bson:"sender_id"`
	SenderUsername    string        `json:"sender_username" bson:"sender_username"`
	SenderDisplayName string        `json:"sender_display_name,omitempty" bson:"sender_display_name,omitempty"`
	SenderAvatarURL   string        `json:"sender_avatar_url,omitempty" bson:"sender_avatar_url,omitempty"`
	Content           string        `json:"content" bson:"content"`
	Type              MessageType   `json:"type" bson:"type"`
	Timestamp         time.Time     `json:"timestamp" bson:"timestamp"`
	Status            MessageStatus `json:"status" bson:"status"`
	ReadBy            []string      `json:"read_by" bson:"read_by"`
	IsEdited          bool          `json:"is_edited" bson:"is_edited"`
	EditedAt          *time.Time    `json:"edited_at,omitempty" bson:"edited_at,omitempty"`
	IsEncrypted       bool          `json:"is_encrypted" bson:"is_encrypted"`
	EncryptedContent  string        `json:"encrypted_content,omitempty" bson:"encrypted_content,omitempty"`
	Image             *ImageData    `json:"image_data,omitempty" bson:"image_data,omitempty"`
	Video             *VideoData    `json:"video_data,omitempty" bson:"video_data,omitempty"`
	File              *FileData     `json:"file_data,omitempty" bson:"file_data,omitempty"`
	ReplyTo           *ReplyRef     `json:"reply_to,omitempty" bson:"reply_to,omitempty"`

	// DecryptFailed выставляется при локальной расшифровке, наружу не сохраняется.
	DecryptFailed bool `json:"decrypt_failed,omitempty" bson:"-"`
}

var ErrInvalidMessage = errors.New("invalid message")

// Validate проверяет согласованность тега Type и медиа-полей.
func (m *Message) Validate() error {
	if m.ChatID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: chat_id and sender_id required", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	img, vid, file := m.Image != nil, m.Video != nil, m.File != nil
	switch m.Type {
	case MessageTypeText:
		if img || vid || file {
			return fmt.Errorf("%w: text message with media", ErrInvalidMessage)
		}
		if m.Content == "" && m.EncryptedContent == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidMessage)
		}
	case MessageTypeImage:
		if !img || vid || file {
			return fmt.Errorf("%w: image message requires image_data only", ErrInvalidMessage)
		}
	case MessageTypeVideo:
		if !vid || img || file {
			return fmt.Errorf("%w: video message requires video_data only", ErrInvalidMessage)
		}
	case MessageTypeFile:
		if !file || img || vid {
			return fmt.Errorf("%w: file message requires file_data only", ErrInvalidMessage)
		}
	case MessageTypeDeleted:
		if img || vid || file || m.IsEncrypted {
			return fmt.Errorf("%w: tombstone must not carry media or ciphertext", ErrInvalidMessage)
		}
	}
	return nil
}

// IsReadByOther хотя бы один читатель, кроме отправителя.
func (m *Message) IsReadByOther() bool {
	for _, u := range m.ReadBy {
		if u != m.SenderID {
			return true
		}
	}
	return false
}

// DeriveStatus вычисляет статус из readBy; не понижает уже имеющийся.
func (m *Message) DeriveStatus() MessageStatus {
	if m.Status == MessageStatusSending || m.Status == MessageStatusFailed {
		return m.Status
	}
	if m.IsReadByOther() {
		return MessageStatusRead
	}
	return m.Status.Max(MessageStatusSent)
}

// AddReader добавляет userID в readBy. Возвращает false, если он там уже был.
func (m *Message) AddReader(userID string) bool {
	if slices.Contains(m.ReadBy, userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Tombstone превращает сообщение в надгробие: исходное содержимое не восстановить.
func (m *Message) Tombstone() {
	m.Type = MessageTypeDeleted
	m.Content = DeletedPlaceholder
	m.Image = nil
	m.Video = nil
	m.File = nil
	m.IsEncrypted = false
	m.EncryptedContent = ""
	m.DecryptFailed = false
}

// Summary строит сводку lastMessage для чата. content: уже отображаемый (или зашифрованный) текст.
func (m *Message) Summary(content string) *LastMessage {
	return &LastMessage{
		MessageID:      m.ID,
		Content:        content,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Timestamp:      m.Timestamp,
		Type:           m.Type,
		IsEncrypted:    m.IsEncrypted,
	}
}

// Clone возвращает копию без общих slices/pointers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.Image != nil {
		v := *m.Image
		out.Image = &v
	}
	if m.Video != nil {
		v := *m.Video
		out.Video = &v
	}
	if m.File != nil {
		v := *m.File
		out.File = &v
	}
	if m.ReplyTo != nil {
		v := *m.ReplyTo
		out.ReplyTo = &v
	}
	return &out
}

// Preview короткий текст для списка чатов.
func Preview(t MessageType, content string) string {
	switch t {
	case MessageTypeImage:
		if content == "" {
			return "📷 Photo"
		}
	case MessageTypeVideo:
		if content == "" {
			return "🎥 Video"
		}
	case MessageTypeFile:
		if content == "" {
			return "📎 File"
		}
	case MessageTypeDeleted:
		return DeletedPlaceholder
	}
	return content
}

// SortNewestFirst упорядочивает по timestamp (новые первыми), при равенстве: по id.
func SortNewestFirst(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return compareStrings(b.Key(), a.Key())
	})
}

// Key id сообщения, а до подтверждения: временный id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}
