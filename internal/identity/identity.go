// Package identity текущий пользователь сессии и доступ к профилям/контактам.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("identity: invalid session token")
	ErrUnknownProfile = errors.New("identity: profile not found")
)

// Provider выдаёт текущего пользователя и профили для подписи сообщений.
type Provider interface {
	CurrentUserID() string
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// Authorizer проверяет, может ли userID писать otherID.
type Authorizer interface {
	IsAuthorizedParticipant(ctx context.Context, userID, otherID string) (bool, error)
}

// Session пользователь, от имени которого работает клиент.
type Session struct {
	userID string
	dir    storage.Directory
}

var _ Provider = (*Session)(nil)

func NewSession(userID string, dir storage.Directory) *Session {
	return &Session{userID: userID, dir: dir}
}

// FromToken проверяет HS256 токен сессии и берёт id пользователя из claims (user_id или sub).
func FromToken(token, secret string, dir storage.Directory) (*Session, error) {
	userID, err := VerifyToken(token, secret)
	if err != nil {
		return nil, err
	}
	return NewSession(userID, dir), nil
}

func VerifyToken(token, secret string) (string, error) {
	t, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if v, ok := claims["user_id"].(string); ok && v != "" {
		return v, nil
	}
	if v, ok := claims["sub"].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: user id not found in token", ErrInvalidToken)
}

// IssueToken подписывает токен сессии (режим -dev и тесты).
func IssueToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Session) CurrentUserID() string { return s.userID }

func (s *Session) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := s.dir.GetProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("identity.GetProfile: %w", err)
	}
	return p, nil
}

// Contacts разрешает переписку только между контактами.
type Contacts struct {
	dir storage.Directory
}

var _ Authorizer = (*Contacts)(nil)

func NewContacts(dir storage.Directory) *Contacts {
	return &Contacts{dir: dir}
}

func (c *Contacts) IsAuthorizedParticipant(ctx context.Context, userID, otherID string) (bool, error) {
	return c.dir.IsContact(ctx, userID, otherID)
}
