package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"marketplace_redirect/internal/config"
	"marketplace_redirect/internal/fetcher"
	"marketplace_redirect/internal/publisher"
	"marketplace_redirect/internal/redirect"
	"marketplace_redirect/internal/scheduler"
	"marketplace_redirect/internal/seller"
	"marketplace_redirect/internal/server"
	"marketplace_redirect/internal/storage"
	"marketplace_redirect/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	storePath := cfg.StoragePath()
	if dir := filepath.Dir(storePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.StorageBackend, storePath,
		storage.WithMinFetchInterval(cfg.MinFetchInterval),
		storage.WithLogger(log),
	)
	if err != nil {
		return err
	}
	tracker := storage.NewTracker(store, log)
	defer func() { _ = tracker.Close() }()

	sellerMap, err := seller.LoadMap(cfg.SellerMapPath)
	if err != nil {
		return err
	}
	sellers := seller.NewResolver(sellerMap, cfg.SellerDir, cfg.SellerIndexTTL, log)

	resolver := redirect.New(redirect.Config{
		BaseURL:            cfg.BaseURL,
		HomepageURL:        cfg.HomepageURL,
		MarketplaceItemURL: cfg.MarketplaceItemURL,
		DefaultSlug:        cfg.DefaultSlug,
	}, sellers, tracker, log)

	tree := supervisor.NewTree(log, supervisor.TreeConfig{})

	var updater server.Updater
	if cfg.SchedulerEnabled() {
		var pub fetcher.Publisher
		if cfg.AMQPURL != "" {
			rmq, err := publisher.NewRabbitMQ(publisher.Config{
				URL:        cfg.AMQPURL,
				Exchange:   cfg.AMQPExchange,
				RoutingKey: cfg.AMQPRoutingKey,
			}, log)
			if err != nil {
				return err
			}
			defer func() { _ = rmq.Close() }()
			pub = rmq
		}

		fcfg := fetcher.DefaultConfig()
		fcfg.APIBase = cfg.ExternalAPIBase
		fcfg.ItemURL = cfg.MarketplaceItemURL
		fcfg.MaxAttempts = cfg.MaxFetchRetries
		fcfg.BaseDelay = cfg.RetryBaseDelay
		fcfg.RequestsPerSecond = cfg.APIRatePerSecond
		f := fetcher.New(&http.Client{Timeout: 30 * time.Second}, tracker, pub, fcfg, log)

		sched := scheduler.New(f, scheduler.NewFileLock(cfg.LockPath, log), sellerMap.IDs(), scheduler.Config{
			Tick:           cfg.SchedulerTick,
			UpdateInterval: cfg.UpdateInterval,
		}, log)
		tree.AddBackgroundService(supervisor.NewSchedulerService(sched))
		updater = sched
	} else {
		log.Info("EXTERNAL_API_BASE not set, scheduler disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(resolver, tracker, updater, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(httpSrv, 10*time.Second))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting server",
		"addr", cfg.ListenAddr,
		"storage", cfg.StorageBackend,
		"sellers", len(sellerMap),
	)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
