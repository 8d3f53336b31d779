// Package main is the entry point for the ingest/dispatch tier's API
// server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetwatch/anticheat-ingest/internal/config"
	"github.com/packetwatch/anticheat-ingest/internal/database"
	"github.com/packetwatch/anticheat-ingest/internal/dispatch"
	"github.com/packetwatch/anticheat-ingest/internal/handler"
	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/retention"
	"github.com/packetwatch/anticheat-ingest/internal/service"
	"github.com/packetwatch/anticheat-ingest/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	pg, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	var redisClient *database.Redis
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	} else {
		logger.Warn("REDIS_URL not set: rate limiting disabled")
	}

	store, err := buildObjectStore(cfg)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	pool := pg.Pool()
	servers := repository.NewServerRepository(pool)
	modules := repository.NewModuleRepository(pool)
	batches := repository.NewBatchIndexRepository(pool)
	findings := repository.NewFindingRepository(pool)
	playerStates := repository.NewPlayerStateRepository(pool)
	dispatches := repository.NewDispatchRepository(pool)
	observations := repository.NewObservationRepository(pool)
	players := repository.NewPlayerRepository(pool)

	dispatcher := dispatch.NewDispatcher(modules, dispatches, logger)
	gate := service.NewRegistrationGate(servers)
	ingest := service.NewIngestPipeline(batches, players, modules, store, dispatcher, logger)
	emitter := webhook.NewEmitter(logger)
	aggregator := service.NewAggregator(findings, servers, emitter, logger)

	h := handler.New(handler.Deps{
		Cfg: cfg, DB: pool, Servers: servers, Modules: modules, Batches: batches,
		Findings: findings, PlayerStates: playerStates, Dispatches: dispatches,
		Observations: observations, Gate: gate, Ingest: ingest, Aggregator: aggregator,
		Store: store, Logger: logger,
	})

	router := buildRouter(cfg, redisClient, h, logger)

	srv := &http.Server{
		Addr:              cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthLoop := dispatch.NewHealthLoop(modules, time.Duration(cfg.ModuleHealthcheckIntervalSeconds)*time.Second, logger)
	go healthLoop.Run(ctx)

	if cfg.ObjectStoreCleanupEnabled {
		sweeper := retention.NewSweeper(batches, store,
			time.Duration(cfg.ObjectStoreCleanupIntervalSeconds)*time.Second,
			time.Duration(cfg.ObjectStoreTTL())*time.Second,
			time.Duration(cfg.BatchIndexTTL())*time.Second,
			cfg.ObjectStoreCleanupDryRun, logger)
		go sweeper.Run(ctx)
	} else {
		logger.Info("object store cleanup disabled")
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildObjectStore(cfg *config.Config) (objectstore.Store, error) {
	if cfg.UsesRemoteStore() {
		return objectstore.NewRemoteStore(cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey)
	}
	return objectstore.NewLocalStore(cfg.LocalStoreDir), nil
}

func buildRouter(cfg *config.Config, redisClient *database.Redis, h *handler.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORSAllowOrigins, cfg.CORSPermissiveDev))
	r.Use(middleware.RateLimit(redisClient, middleware.DefaultRateLimitConfig()))

	r.Mount("/", h.Routes())
	r.Handle("/metrics", promhttp.Handler())

	return r
}
