package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// KeyProvider выдаёт 32-байтовый ключ AES-256 для чата.
type KeyProvider interface {
	ChatKey(cc ChatContext) ([]byte, error)
}

// Secret AES-256-GCM; nonce дописывается перед шифротекстом, id чата идёт как AAD.
type Secret struct {
	keys KeyProvider
}

func NewSecret(keys KeyProvider) *Secret {
	return &Secret{keys: keys}
}

func (s *Secret) aead(cc ChatContext) (cipher.AEAD, error) {
	key, err := s.keys.ChatKey(cc)
	if err != nil {
		return nil, err
	}
	if len(key) != keySize {
		return nil, errors.New("AES-256 requires 32 bytes key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Secret) Encode(plaintext string, cc ChatContext) (Encoded, error) {
	aead, err := s.aead(cc)
	if err != nil {
		return Encoded{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Encoded{}, err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(cc.ChatID))
	return Encoded{Content: base64.StdEncoding.EncodeToString(sealed), IsEncrypted: true}, nil
}

func (s *Secret) Decode(stored string, cc ChatContext) (string, error) {
	aead, err := s.aead(cc)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := aead.Open(nil, data[:ns], data[ns:], []byte(cc.ChatID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// MasterKey выводит ключ чата из общего мастер-ключа через HKDF-SHA256.
type MasterKey struct {
	master []byte
}

// ParseMasterKey принимает hex-строку не короче 32 байт.
func ParseMasterKey(hexKey string) (*MasterKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(raw) < keySize {
		return nil, fmt.Errorf("master key: need at least %d bytes, got %d", keySize, len(raw))
	}
	return &MasterKey{master: raw}, nil
}

func (k *MasterKey) ChatKey(cc ChatContext) ([]byte, error) {
	return deriveKey(k.master, "dmsync/chat/"+cc.ChatID)
}

// PublicKeys публичные ключи X25519 собеседников.
type PublicKeys interface {
	PublicKey(userID string) ([]byte, error)
}

// StaticKeys PublicKeys из заранее известного набора.
type StaticKeys map[string][]byte

func (s StaticKeys) PublicKey(userID string) ([]byte, error) {
	k, ok := s[userID]
	if !ok {
		return nil, fmt.Errorf("no public key for %s", userID)
	}
	return k, nil
}

// Pairwise ключ чата из общего секрета X25519 двух участников.
type Pairwise struct {
	selfID  string
	private []byte
	peers   PublicKeys
}

// GenerateKeyPair возвращает (public, private) X25519.
func GenerateKeyPair() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func NewPairwise(selfID string, private []byte, peers PublicKeys) *Pairwise {
	return &Pairwise{selfID: selfID, private: private, peers: peers}
}

func (p *Pairwise) ChatKey(cc ChatContext) ([]byte, error) {
	var peer string
	for _, id := range cc.Participants {
		if id != p.selfID {
			peer = id
			break
		}
	}
	if peer == "" {
		return nil, fmt.Errorf("chat %s has no peer for %s", cc.ChatID, p.selfID)
	}
	pub, err := p.peers.PublicKey(peer)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(p.private, pub)
	if err != nil {
		return nil, err
	}
	return deriveKey(shared, "dmsync/pair/"+cc.ChatID)
}
