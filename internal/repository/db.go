package repository

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx общее подмножество pgxpool.Pool и pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store LocalStore поверх Postgres: чаты и сообщения в одном пуле.
type Store struct {
	*ChatRepository
	*MessageRepository
}

var _ storage.LocalStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		ChatRepository:    NewChatRepository(pool),
		MessageRepository: NewMessageRepository(pool),
	}
}

// Migrate применяет встроенные миграции по порядку имён файлов.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return storage.ErrNotInitialized
	}
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("migrations glob: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}
