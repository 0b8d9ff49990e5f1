package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/worker"
)

const catalogCacheTTL = 10 * time.Minute

// storage is the persistence wired for one STORE_DRIVER.
type storage struct {
	sessions repository.SessionStore
	catalog  repository.Catalog
	recorder repository.ActivityRecorder
	reader   repository.ActivityReader
	// activity drains the Redis activity queue; nil when entries are written inline.
	activity *worker.ActivityWorker
	close    func()
}

func openStorage(ctx context.Context, cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (*storage, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		var catalog repository.Catalog = repository.NewCachedCatalog(
			repository.NewExamRepository(pool),
			repository.NewQuestionRepository(pool),
			rdb, catalogCacheTTL, log,
		)
		if cfg.ExamCatalogFile != "" {
			if catalog, err = repository.LoadCatalog(cfg.ExamCatalogFile); err != nil {
				pool.Close()
				return nil, fmt.Errorf("load exam catalog: %w", err)
			}
		}
		activity := repository.NewActivityLogRepository(pool)
		return &storage{
			sessions: repository.NewExamSessionRepository(pool),
			catalog:  catalog,
			recorder: repository.NewRedisActivityQueue(rdb),
			reader:   activity,
			activity: worker.NewActivityWorker(activity, rdb, log),
			close:    pool.Close,
		}, nil

	case config.StoreDriverSQLite:
		catalog, err := repository.LoadCatalog(cfg.ExamCatalogFile)
		if err != nil {
			return nil, fmt.Errorf("load exam catalog: %w", err)
		}
		db, err := database.NewSQLite(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		repo, err := repository.NewSQLiteSessionRepository(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &storage{
			sessions: repo,
			catalog:  catalog,
			recorder: repo,
			reader:   repo,
			close:    func() { db.Close() },
		}, nil

	case config.StoreDriverMemory:
		catalog, err := repository.LoadCatalog(cfg.ExamCatalogFile)
		if err != nil {
			return nil, fmt.Errorf("load exam catalog: %w", err)
		}
		activity := repository.NewMemoryActivityLog()
		log.Warn().Msg("Using in-memory session store; sessions are lost on restart")
		return &storage{
			sessions: repository.NewMemorySessionStore(),
			catalog:  catalog,
			recorder: activity,
			reader:   activity,
			close:    func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
