package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bulletin/api/internal/app"
	"bulletin/api/internal/config"
	"bulletin/api/internal/docstore"
	"bulletin/api/internal/logging"
	"bulletin/api/internal/metrics"
	"bulletin/api/internal/realtime"
	"bulletin/api/internal/search"
	"bulletin/api/internal/session"
	"bulletin/api/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bulletin api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	hub := realtime.NewHub(realtime.NewMemoryRegistry(), logger.Named("realtime"), appMetrics, cfg.WS.SendBuffer)
	defer hub.Close()

	deps := app.Dependencies{
		Store:   dataStore,
		Bus:     hub,
		Logger:  logger,
		Metrics: appMetrics,
	}

	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisStore, err := session.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		logger.Info("refresh sessions in redis")

		if cfg.Redis.Bus == "redis" {
			bus := realtime.NewRedisBus(redisStore.Client(), cfg.Redis.BusChannel, hub, logger.Named("bus"))
			if err := bus.Start(ctx); err != nil {
				return fmt.Errorf("start redis bus: %w", err)
			}
			deps.Bus = bus
			logger.Info("notification bus on redis", zap.String("channel", cfg.Redis.BusChannel))
		}
	} else {
		logger.Info("refresh sessions in postgres")
	}

	searchLogger := logger.Named("search")
	var engine search.Engine
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey, searchLogger)
		defer meiliClient.Close()
		engine = meiliClient
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), searchLogger)
	defer searchService.Wait()
	deps.Search = searchService
	if engine != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	if strings.TrimSpace(cfg.Storage.Endpoint) != "" {
		documents, err := docstore.New(docstore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			LinkTTL:   cfg.Storage.LinkTTL,
		})
		if err != nil {
			return err
		}
		if err := documents.EnsureBucket(ctx); err != nil {
			logger.Warn("document bucket unavailable", zap.String("bucket", cfg.Storage.Bucket), zap.Error(err))
		}
		deps.Documents = documents
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Mount("/", app.NewHTTPServer(service, hub, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("bulletin api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	// Websocket connections are hijacked and not tracked by Shutdown.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
