package startup

import (
	"context"
	"time"

	remotemongo "github.com/dmsync/internal/remote/mongo"
)

// ConnectMongoWithRetry подключается к удалённой БД с повторами и создаёт индексы.
func ConnectMongoWithRetry(ctx context.Context, uri, database string, maxWait time.Duration) (*remotemongo.Channel, error) {
	return withRetry(ctx, "mongo connect", maxWait, initialBackoff, func(ctx context.Context) (*remotemongo.Channel, error) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return remotemongo.Connect(cctx, uri, database)
	})
}
