package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/radiusdt/attribution-api/internal/attribution"
	"github.com/radiusdt/attribution-api/internal/config"
	"github.com/radiusdt/attribution-api/internal/database"
	"github.com/radiusdt/attribution-api/internal/httpserver"
	"github.com/radiusdt/attribution-api/internal/ingest"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/middleware"
	"github.com/radiusdt/attribution-api/internal/storage"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting attribution API",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("campaign_storage", cfg.Storage.Campaigns),
		zap.String("event_storage", cfg.Storage.Events),
	)

	if !cfg.IsDevelopment() && !cfg.Auth.Enabled {
		logger.Warn("API key auth is disabled outside development")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics("attribution", reg)

	checks := make(map[string]httpserver.HealthCheck)

	// PostgreSQL
	var pg *database.PostgresDB
	if cfg.UsesPostgres() {
		pg, err = database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		defer pg.Close()
		checks["postgres"] = pg.Health
		if err := pg.RegisterPoolMetrics("attribution", reg); err != nil {
			logger.Warn("failed to register pool metrics", zap.Error(err))
		}

		if cfg.Storage.EnsureSchema {
			if err := storage.EnsurePostgresSchema(ctx, pg.Pool); err != nil {
				logger.Fatal("failed to create PostgreSQL schema", zap.Error(err))
			}
		}
	}

	var campaigns storage.CampaignRepo
	if cfg.Storage.Campaigns == config.BackendPostgres {
		campaigns = storage.NewPostgresCampaignRepo(pg.Pool)
	} else {
		campaigns = storage.NewInMemoryCampaignRepo()
	}

	var events storage.WebhookEventRepo
	switch cfg.Storage.Events {
	case config.BackendPostgres:
		events = storage.NewPostgresEventStore(pg.Pool)
	case config.BackendClickHouse:
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
		checks["clickhouse"] = ch.Health

		if cfg.Storage.EnsureSchema {
			if err := storage.EnsureClickHouseSchema(ctx, ch.Conn); err != nil {
				logger.Fatal("failed to create ClickHouse schema", zap.Error(err))
			}
		}
		events = storage.NewClickHouseEventStore(ch.Conn)
	default:
		events = storage.NewInMemoryEventStore()
	}

	// Redis backs webhook redelivery dedupe when available
	var dedupe ingest.Deduper = ingest.NewMemoryDeduper(cfg.Webhooks.DedupeTTL)
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, using in-memory webhook dedupe", zap.Error(err))
		} else {
			defer rdb.Close()
			checks["redis"] = rdb.Health
			dedupe = ingest.NewRedisDeduper(rdb.Client, cfg.Webhooks.DedupeTTL)
		}
	}

	var geo ingest.CountryLookup
	if cfg.Geo.Enabled {
		lookup, err := ingest.OpenMaxMind(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("failed to open GeoIP database, buyer country enrichment disabled", zap.Error(err))
		} else {
			defer lookup.Close()
			geo = lookup
		}
	}

	deps := &httpserver.Dependencies{
		Attribution: attribution.NewService(campaigns, events, attribution.Options{
			ZeroSpendROAS: cfg.Attribution.ZeroSpendROAS,
			QueryTimeout:  cfg.Attribution.QueryTimeout,
		}, m, logger),
		Campaigns:    attribution.NewCampaignService(campaigns, m),
		Ingestor:     ingest.NewIngestor(events, ingest.NewVerifier(cfg.Webhooks), dedupe, geo, m, logger),
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		Gatherer:     reg,
		HealthChecks: checks,
	}

	// Recovery -> Logging -> RateLimit -> Auth -> Handler
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m)
	handler := middleware.Chain(httpserver.NewServer(deps),
		middleware.NewRecoveryMiddleware(logger, m).Handler,
		middleware.NewLoggingMiddleware(logger).Handler,
		rateLimitMW.Handler,
		middleware.NewAuthMiddleware(cfg.Auth, logger).Handler,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Attribution.QueryTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	go rateLimitMW.RunCleanup(ctx, time.Hour)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
