package startup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmsync/internal/logger"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	return withRetry(ctx, "db connect", maxWait, initialBackoff, func(ctx context.Context) (*pgxpool.Pool, error) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(cctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(cctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return pool, nil
	})
}

// EmbeddedPostgres параметры локального кеша в режиме -dev.
type EmbeddedPostgres struct {
	Port     uint32
	User     string
	Password string
	Database string
	DataDir  string
}

func DefaultEmbeddedPostgres() EmbeddedPostgres {
	return EmbeddedPostgres{
		Port:     5433,
		User:     "dmsync",
		Password: "dmsync_secret",
		Database: "dmsync",
		DataDir:  filepath.Join(".", ".pgdata"),
	}
}

func (e EmbeddedPostgres) URL() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", e.User, e.Password, e.Port, e.Database)
}

// StartEmbeddedPostgres поднимает встроенный Postgres (без внешней БД).
func StartEmbeddedPostgres(e EmbeddedPostgres) (*embeddedpostgres.EmbeddedPostgres, error) {
	if err := os.MkdirAll(e.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}
	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(e.Port).
			Username(e.User).
			Password(e.Password).
			Database(e.Database).
			DataPath(e.DataDir).
			RuntimePath(filepath.Join(os.TempDir(), "dmsync-pg-runtime")),
	)
	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("embedded postgres start: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", e.Port)
	return db, nil
}
