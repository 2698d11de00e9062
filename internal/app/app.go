// Package app wires the configured backends shared by every binary.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/config"
	"github.com/LuKev/chess-db-sub001/internal/eco"
	"github.com/LuKev/chess-db-sub001/internal/logx"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/store/postgres"
)

// Runtime holds the opened backends.
type Runtime struct {
	Config *config.Config
	Log    zerolog.Logger
	Store  store.Store
	Blobs  blob.Store
	Queue  queue.Queue
	ECO    *eco.Database

	closers []func()
}

// Logger builds the process logger from cfg.
func Logger(cfg *config.Config) zerolog.Logger {
	return logx.New(logx.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// Open connects the store, blob and queue backends named by cfg. Without a
// database URL the store is in memory and nothing outlives the process.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) open(ctx context.Context) error {
	cfg, log := rt.Config, rt.Log

	if cfg.Database.URL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		rt.Store = store.NewMemory()
	} else {
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(cfg.Database.URL, log); err != nil {
				return err
			}
		}
		pg, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxConnections:  cfg.Database.MaxConnections,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			Logger:          log,
		})
		if err != nil {
			return err
		}
		rt.Store = pg
		log.Info().Msg("connected to postgres")
	}
	rt.closers = append(rt.closers, rt.Store.Close)

	blobs, err := blob.Open(ctx, blob.Config{
		Backend:  cfg.Blob.Backend,
		Bucket:   cfg.Blob.Bucket,
		Project:  cfg.Blob.Project,
		Endpoint: cfg.Blob.Endpoint,
		LocalDir: cfg.Blob.LocalDir,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	rt.Blobs = blobs
	if c, ok := blobs.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, func() { _ = c.Close() })
	}

	switch cfg.Queue.Backend {
	case "redis":
		rcfg := queue.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Logger:    log,
		}
		client, err := queue.NewRedisClient(ctx, rcfg)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		rq := queue.NewRedisQueue(client, rcfg)
		if _, err := rq.Recover(ctx); err != nil {
			return fmt.Errorf("recover in-flight jobs: %w", err)
		}
		rt.Queue = rq
	default:
		mq := queue.NewMemoryQueue()
		rt.closers = append(rt.closers, mq.Close)
		rt.Queue = mq
	}

	rt.ECO = eco.NewDatabase()
	if cfg.ECO.Dir != "" {
		if err := rt.ECO.LoadDir(cfg.ECO.Dir); err != nil {
			log.Warn().Err(err).Str("dir", cfg.ECO.Dir).Msg("failed to load ECO database")
		} else {
			log.Info().Int("openings", rt.ECO.Count()).Msg("loaded ECO database")
		}
	}
	return nil
}

// Close releases the backends in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
