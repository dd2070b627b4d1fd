package redis

import (
	"context"
	"fmt"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Ключи: contacts:{user_id}: SET id контактов, profile:{user_id}: HASH профиля.
const (
	contactsPrefix = "contacts:"
	profilePrefix  = "profile:"
)

// Client каталог контактов и профилей в Redis.
type Client struct {
	cli *redis.Client
}

var _ storage.Directory = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient оборачивает готовый клиент (тесты, общий пул).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// IsContact проверяет, что otherID есть в контактах userID.
func (c *Client) IsContact(ctx context.Context, userID, otherID string) (bool, error) {
	ok, err := c.cli.SIsMember(ctx, contactsPrefix+userID, otherID).Result()
	if err != nil {
		return false, fmt.Errorf("redis IsContact: %w", err)
	}
	return ok, nil
}

// AddContact связывает пользователей в обе стороны одной транзакцией.
func (c *Client) AddContact(ctx context.Context, userID, otherID string) error {
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, contactsPrefix+userID, otherID)
		p.SAdd(ctx, contactsPrefix+otherID, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis AddContact: %w", err)
	}
	return nil
}

func (c *Client) RemoveContact(ctx context.Context, userID, otherID string) error {
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, contactsPrefix+userID, otherID)
		p.SRem(ctx, contactsPrefix+otherID, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis RemoveContact: %w", err)
	}
	return nil
}

// GetProfile читает HASH профиля. Пустой hash: storage.ErrNotFound.
func (c *Client) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	vals, err := c.cli.HGetAll(ctx, profilePrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis GetProfile: %w", err)
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}
	return &model.Profile{
		ID:          userID,
		Username:    vals["username"],
		DisplayName: vals["display_name"],
		AvatarURL:   vals["avatar_url"],
	}, nil
}

func (c *Client) PutProfile(ctx context.Context, p *model.Profile) error {
	err := c.cli.HSet(ctx, profilePrefix+p.ID,
		"username", p.Username,
		"display_name", p.DisplayName,
		"avatar_url", p.AvatarURL,
	).Err()
	if err != nil {
		return fmt.Errorf("redis PutProfile: %w", err)
	}
	return nil
}

// FlushDB очищает текущую БД Redis (для сброса каталога в тестах).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
