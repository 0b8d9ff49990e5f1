package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/clock"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/eventbus"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/monitor"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	"github.com/stemsi/exstem-live/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Strs("sinks", cfg.EventSinks).
		Msg("Starting ExStem Live")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := clock.LoadLocation(cfg.DefaultTimeZone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.DefaultTimeZone).Msg("Invalid default time zone")
	}
	risk := service.DefaultRiskPolicy()
	if cfg.RiskPolicyFile != "" {
		if risk, err = service.LoadRiskPolicy(cfg.RiskPolicyFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to load risk policy")
		}
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	// ─── Storage ───────────────────────────────────────────────────────
	store, err := openStorage(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session storage")
	}
	defer store.close()

	// ─── Live Registries ───────────────────────────────────────────────
	registry := service.NewSessionRegistry(cfg.StudentChannelSize)
	hub := monitor.NewHub(cfg.MonitorChannelSize, cfg.MonitorSendTimeout, log)

	sinks, err := eventbus.BuildSinks(cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build event sinks")
	}
	var relay *eventbus.Relay
	if len(sinks) > 0 {
		relay = eventbus.NewRelay(cfg.RelayBuffer, cfg.MonitorSendTimeout, log, sinks...)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clock.System{}
	authService := service.NewAuthService(cfg)
	examService := service.NewExamService(store.catalog, rdb, clk, loc, log)
	sessionService := service.NewExamSessionService(
		store.sessions, store.catalog, registry, store.recorder, risk, clk,
		service.SessionOptions{
			DisconnectGrace:      cfg.DisconnectGrace,
			AutoSubmitOnComplete: cfg.AutoSubmitOnComplete,
			TimeUpdateInterval:   cfg.TimeUpdateInterval,
			DefaultLocation:      loc,
		},
		log,
	)
	sessionService.AddPublisher(hub)
	if relay != nil {
		sessionService.AddPublisher(relay)
	}
	monitorService := service.NewMonitorService(store.sessions, sessionService, store.reader, clk,
		service.MonitorOptions{
			HighRiskThreshold: cfg.HighRiskThreshold,
			MaxInactive:       cfg.SessionMaxInactive,
		},
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	answerLimiter := middleware.NewRateLimiter(cfg.AnswerRatePerSecond, time.Second)
	flagLimiter := middleware.NewRateLimiter(cfg.FlagRatePerSecond, time.Second)
	publicLimiter := middleware.NewRateLimiter(120, time.Minute)
	defer answerLimiter.Close()
	defer flagLimiter.Close()
	defer publicLimiter.Close()

	handlers := &router.Handlers{
		Exam:      handler.NewExamHandler(examService, log),
		Session:   handler.NewSessionHandler(sessionService, monitorService, log),
		Analytics: handler.NewAnalyticsHandler(monitorService, log),
		WS:        handler.NewWSHandler(sessionService, answerLimiter, flagLimiter, log, cfg.AllowedOrigins),
		Monitor:   handler.NewMonitorHandler(hub, monitorService, log, cfg.AllowedOrigins),
		System:    handler.NewSystemHandler(registry, hub, relay, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	if store.activity != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			store.activity.Start(workerCtx)
		}()
	}
	sweeper := worker.NewSweepWorker(monitorService, cfg.SweepInterval, cfg.SessionMaxInactive, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeper.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, publicLimiter, log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop countdowns and close live streams. Sessions stay in the store
	// and resume on the next join.
	registry.Close()
	hub.Close()

	// 3. Stop workers; the activity worker flushes what it holds.
	workerCancel()
	workers.Wait()

	// 4. Deliver what the relay still buffers.
	if relay != nil {
		if err := relay.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Event relay shutdown error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
