package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmsync/internal/config"
	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/media"
	"github.com/dmsync/internal/metrics"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/registry"
	"github.com/dmsync/internal/remote"
	remotemem "github.com/dmsync/internal/remote/memory"
	"github.com/dmsync/internal/repository"
	"github.com/dmsync/internal/startup"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/storage/memory"
	"github.com/dmsync/internal/synchronizer"
	"github.com/dmsync/internal/transform"
)

const connectWait = 60 * time.Second

// components собранные зависимости синхронизатора и то, что нужно закрыть при выходе.
type components struct {
	deps        synchronizer.Deps
	mediaServer *media.Local
	closers     []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, dev bool) (c *components, err error) {
	c = &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	if dev {
		pg := startup.DefaultEmbeddedPostgres()
		db, err := startup.StartEmbeddedPostgres(pg)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() {
			logger.Info("stopping embedded postgres...")
			if err := db.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		})
		cfg.Database.URL = pg.URL()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, connectWait)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, pool.Close)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repository.Migrate(migrateCtx, pool); err != nil {
		return nil, err
	}
	local := repository.NewStore(pool)

	dir, err := directory(ctx, cfg, dev)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = dir.Close() })

	rc, err := remoteChannel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.Close(closeCtx); err != nil {
			logger.Errorf("remote close: %v", err)
		}
	})

	transforms, err := resolver(cfg)
	if err != nil {
		return nil, err
	}

	ident, err := session(cfg, dir, dev)
	if err != nil {
		return nil, err
	}

	var proc media.Processor
	switch cfg.Media.Backend {
	case "s3":
		proc, err = media.NewS3(ctx, media.S3Config{
			Bucket:        cfg.Media.S3Bucket,
			Region:        cfg.Media.S3Region,
			Endpoint:      cfg.Media.S3Endpoint,
			PublicRead:    cfg.Media.S3PublicRead,
			PresignTTL:    cfg.Media.PresignTTL,
			MaxUploadSize: cfg.Media.MaxUploadSize,
			MaxImageWidth: cfg.Media.MaxImageWidth,
		})
		if err != nil {
			return nil, err
		}
	case "local", "":
		c.mediaServer = media.NewLocal(cfg.Media.UploadDir, cfg.Media.PublicBaseURL, cfg.Media.MaxUploadSize, cfg.Media.MaxImageWidth)
		proc = c.mediaServer
	default:
		return nil, fmt.Errorf("unknown MEDIA_BACKEND %q", cfg.Media.Backend)
	}

	c.deps = synchronizer.Deps{
		Local:      local,
		Remote:     rc,
		Registry:   registry.New(rc, local, transforms),
		Identity:   ident,
		Auth:       identity.NewContacts(dir),
		Transforms: transforms,
		Media:      proc,
		Metrics:    metrics.New(),
	}
	return c, nil
}

func directory(ctx context.Context, cfg *config.Config, dev bool) (storage.Directory, error) {
	if cfg.Directory.RedisURL != "" {
		cli, err := startup.ConnectRedisWithRetry(ctx, cfg.Directory.RedisURL, connectWait)
		if err != nil {
			return nil, err
		}
		return cli, nil
	}
	if !dev {
		logger.Errorf("REDIS_URL не задан: контакты и профили хранятся в памяти")
	}
	dir := memory.NewDirectory()
	if dev {
		id := cfg.Identity.DevUserID
		if err := dir.PutProfile(ctx, &model.Profile{ID: id, Username: id}); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func remoteChannel(ctx context.Context, cfg *config.Config) (remote.Channel, error) {
	switch cfg.Remote.Backend {
	case "mongo":
		if cfg.Remote.MongoURI == "" {
			return nil, errors.New("REMOTE_BACKEND=mongo requires MONGO_URI")
		}
		ch, err := startup.ConnectMongoWithRetry(ctx, cfg.Remote.MongoURI, cfg.Remote.MongoDB, connectWait)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "memory", "":
		return remotemem.New(), nil
	}
	return nil, fmt.Errorf("unknown REMOTE_BACKEND %q", cfg.Remote.Backend)
}

func resolver(cfg *config.Config) (*transform.Resolver, error) {
	if cfg.Secret.MasterKeyHex == "" {
		return transform.NewResolver(nil), nil
	}
	key, err := transform.ParseMasterKey(cfg.Secret.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("SECRET_MASTER_KEY: %w", err)
	}
	return transform.NewResolver(transform.NewSecret(key)), nil
}

// session определяет пользователя демона: из токена, а в режиме -dev из DEV_USER_ID.
func session(cfg *config.Config, dir storage.Directory, dev bool) (*identity.Session, error) {
	if cfg.Identity.SessionToken != "" {
		return identity.FromToken(cfg.Identity.SessionToken, cfg.Identity.SessionSecret, dir)
	}
	if dev {
		return identity.NewSession(cfg.Identity.DevUserID, dir), nil
	}
	return nil, errors.New("SESSION_TOKEN is required outside -dev")
}
