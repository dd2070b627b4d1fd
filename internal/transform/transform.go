// Package transform подключаемое кодирование тела сообщения.
// Обычные чаты используют Identity, секретные: AES-256-GCM с ключом на чат.
package transform

import (
	"errors"
	"fmt"

	"github.com/dmsync/internal/model"
)

var (
	ErrDecrypt      = errors.New("transform: unable to decrypt")
	ErrNoSecretKeys = errors.New("transform: secret chats are not configured")
)

// ChatContext то, что кодированию нужно знать о чате.
type ChatContext struct {
	ChatID       string
	Participants []string
	Secret       bool
}

func ContextOf(c *model.Chat) ChatContext {
	return ChatContext{
		ChatID:       c.ID,
		Participants: c.Participants,
		Secret:       c.IsSecretChat || c.EncryptionEnabled,
	}
}

// Encoded результат Encode. При IsEncrypted Content: шифротекст.
type Encoded struct {
	Content     string
	IsEncrypted bool
}

type Transform interface {
	Encode(plaintext string, cc ChatContext) (Encoded, error)
	Decode(stored string, cc ChatContext) (string, error)
}

// Identity возвращает текст без изменений.
type Identity struct{}

func (Identity) Encode(plaintext string, _ ChatContext) (Encoded, error) {
	return Encoded{Content: plaintext}, nil
}

func (Identity) Decode(stored string, _ ChatContext) (string, error) {
	return stored, nil
}

// Resolver выбирает кодирование по типу чата.
type Resolver struct {
	plain  Transform
	secret Transform
}

// NewResolver secret может быть nil, тогда секретные чаты отвечают ErrNoSecretKeys.
func NewResolver(secret Transform) *Resolver {
	return &Resolver{plain: Identity{}, secret: secret}
}

func (r *Resolver) For(cc ChatContext) (Transform, error) {
	if !cc.Secret {
		return r.plain, nil
	}
	if r.secret == nil {
		return nil, ErrNoSecretKeys
	}
	return r.secret, nil
}

// Seal кодирует plaintext и раскладывает результат по полям сообщения.
func Seal(t Transform, m *model.Message, plaintext string, cc ChatContext) error {
	enc, err := t.Encode(plaintext, cc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cc.ChatID, err)
	}
	if enc.IsEncrypted {
		m.Content = ""
		m.IsEncrypted = true
		m.EncryptedContent = enc.Content
		return nil
	}
	m.Content = enc.Content
	m.IsEncrypted = false
	m.EncryptedContent = ""
	return nil
}

// Open расшифровывает сообщение на месте. При ошибке подставляет заглушку,
// выставляет DecryptFailed и возвращает ошибку для логирования.
func Open(t Transform, m *model.Message, cc ChatContext) error {
	if !m.IsEncrypted {
		return nil
	}
	plain, err := t.Decode(m.EncryptedContent, cc)
	if err != nil {
		m.Content = model.DecryptFailedPlaceholder
		m.DecryptFailed = true
		return fmt.Errorf("decode %s/%s: %w", cc.ChatID, m.ID, err)
	}
	m.Content = plain
	m.DecryptFailed = false
	return nil
}

// OpenSummary то же для сводки lastMessage.
func OpenSummary(t Transform, lm *model.LastMessage, cc ChatContext) error {
	if lm == nil || !lm.IsEncrypted {
		return nil
	}
	plain, err := t.Decode(lm.Content, cc)
	if err != nil {
		lm.Content = model.DecryptFailedPlaceholder
		return fmt.Errorf("decode summary %s: %w", cc.ChatID, err)
	}
	lm.Content = plain
	return nil
}
