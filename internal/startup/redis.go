package startup

import (
	"context"
	"time"

	redisstorage "github.com/dmsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к справочнику контактов в Redis с повторами.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	return withRetry(ctx, "redis connect", maxWait, initialBackoff, func(ctx context.Context) (*redisstorage.Client, error) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return redisstorage.New(cctx, redisURL)
	})
}
