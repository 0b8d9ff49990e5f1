package main

import (
	"context"
	"flag"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/clock"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/worker"
)

// sweep runs the inactive session sweep once against the Postgres store,
// for cron-driven deployments that disable the in-process sweeper. Students
// connected to a running server are not notified; their next action sees the
// terminated session.
func main() {
	maxAge := flag.Duration("max-age", 0, "Inactivity age (defaults to SESSION_MAX_INACTIVE)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if *maxAge <= 0 {
		*maxAge = cfg.SessionMaxInactive
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Terminations are still audited when the activity queue is reachable.
	var activity repository.ActivityRecorder
	var rdb *redis.Client
	if rdb, err = database.NewRedisClient(ctx, cfg, log); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, sweep runs without activity logging")
	} else {
		defer rdb.Close()
		activity = repository.NewRedisActivityQueue(rdb)
	}

	catalog := repository.NewCachedCatalog(
		repository.NewExamRepository(pool),
		repository.NewQuestionRepository(pool),
		rdb, time.Minute, log,
	)
	loc, err := clock.LoadLocation(cfg.DefaultTimeZone)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid default time zone")
	}

	store := repository.NewExamSessionRepository(pool)
	registry := service.NewSessionRegistry(1)
	defer registry.Close()
	sessions := service.NewExamSessionService(store, catalog, registry, activity, service.DefaultRiskPolicy(), clock.System{},
		service.SessionOptions{DisconnectGrace: cfg.DisconnectGrace, DefaultLocation: loc}, log)
	monitorService := service.NewMonitorService(store, sessions, nil, clock.System{}, service.MonitorOptions{}, log)

	n := worker.NewSweepWorker(monitorService, time.Minute, *maxAge, log).RunOnce(ctx)
	log.Info().Int("closed", n).Dur("max_age", *maxAge).Msg("Sweep finished")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
