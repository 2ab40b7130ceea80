package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/mdregistry/internal/config"
	"github.com/rickgao/mdregistry/internal/connection"
	"github.com/rickgao/mdregistry/internal/database"
	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/logging"
	"github.com/rickgao/mdregistry/internal/market"
	"github.com/rickgao/mdregistry/internal/metrics"
	"github.com/rickgao/mdregistry/internal/router"
	"github.com/rickgao/mdregistry/internal/service"
	"github.com/rickgao/mdregistry/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/mdregistry.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// Set up structured logging
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log file", "error", err, "file", cfg.Logging.File)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting mdregistry",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	err = run(cfg, logger)
	if err != nil {
		logger.Error("mdregistry failed", "error", err)
	} else {
		logger.Info("mdregistry stopped")
	}
	logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Entitlements are loaded once; a bad file is fatal.
	entries, accounts, err := entitlement.LoadFile(cfg.Entitlements.Path)
	if err != nil {
		return fmt.Errorf("load entitlements: %w", err)
	}
	logger.Info("entitlements loaded",
		"entries", len(entries.Entries()),
		"path", cfg.Entitlements.Path,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the durable store
	logger.Info("opening durable store", "driver", cfg.Database.Driver)
	durable, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer durable.Close()

	buffered := histstore.WrapBuffered(durable.HistoricalStore(logger), histstore.BufferedConfig{
		BufferSize:     cfg.Store.BufferSize,
		FlushInterval:  cfg.Store.FlushInterval,
		RetryBaseDelay: cfg.Store.RetryBaseDelay,
		RetryMaxDelay:  cfg.Store.RetryMaxDelay,
	}, logger)
	store := histstore.WrapSessionCached(buffered, histstore.SessionCachedConfig{
		BlockSize: cfg.Store.BlockSize,
		MaxBlocks: cfg.Store.MaxBlocks,
	}, logger)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Store.CloseTimeout)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("failed to flush historical store", "error", err)
			return
		}
		logger.Info("historical store flushed")
	}()

	// Create market registry
	registry := market.NewRegistry(market.Config{LoadTimeout: cfg.Client.RequestTimeout}, store, logger)
	if cfg.Reference.Path != "" {
		infos, err := market.LoadListings(cfg.Reference.Path)
		if err != nil {
			return fmt.Errorf("load listings: %w", err)
		}
		for _, info := range infos {
			registry.Add(info)
		}
		logger.Info("listings loaded", "count", len(infos), "path", cfg.Reference.Path)
	}

	overflow, err := router.ParseOverflowPolicy(cfg.Client.Overflow)
	if err != nil {
		return err
	}
	svc := service.New(service.Config{
		QueueSize: cfg.Client.QueueSize,
		Overflow:  overflow,
	}, registry, store, entries, accounts, logger)
	feedRouter := router.NewRouter(svc, logger)

	feedServer := connection.NewFeedServer(connection.ServerConfig{
		ReadTimeout:     cfg.Feed.ReadTimeout,
		PingInterval:    cfg.Feed.PingInterval,
		WriteTimeout:    cfg.Feed.WriteTimeout,
		MaxMessageBytes: cfg.Feed.MaxMessageBytes,
	}, feedRouter, logger)
	clientServer := connection.NewClientServer(connection.ServerConfig{
		ReadTimeout:    cfg.Client.ReadTimeout,
		PingInterval:   cfg.Client.PingInterval,
		WriteTimeout:   cfg.Client.WriteTimeout,
		RequestTimeout: cfg.Client.RequestTimeout,
	}, svc, logger)

	collector := metrics.NewCollector(metrics.Sources{
		Registry: registry.Stats,
		Service:  svc.Stats,
		Router:   feedRouter.Stats,
		Feed:     feedServer.Stats,
		Clients:  clientServer.Stats,
		Buffered: buffered.BufferedStats,
		Cache:    store.CacheStats,
	})

	health := createHealthHandler(durable, registry, svc, feedRouter)

	feedMux := http.NewServeMux()
	feedMux.Handle("/feed", feedServer)

	clientMux := http.NewServeMux()
	clientMux.Handle("/client", clientServer)
	clientMux.Handle("/", health)

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, metrics.Handler(metrics.NewRegistry(collector)))
	metricsMux.Handle("/", health)

	servers := []*http.Server{
		{Addr: cfg.Feed.ListenAddr, Handler: feedMux},
		{Addr: cfg.Client.ListenAddr, Handler: clientMux},
		{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		// Feeds first, so no value is published after clients are gone.
		if err := feedServer.Close(shutdownCtx); err != nil {
			logger.Warn("feed endpoint shutdown incomplete", "error", err)
		}
		if err := clientServer.Close(shutdownCtx); err != nil {
			logger.Warn("client endpoint shutdown incomplete", "error", err)
		}
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	logger.Info("mdregistry running",
		"instance_id", cfg.Instance.ID,
		"feed_addr", cfg.Feed.ListenAddr,
		"client_addr", cfg.Client.ListenAddr,
		"metrics_port", cfg.Metrics.Port,
	)

	return g.Wait()
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(durable *database.Durable, registry market.Registry, svc *service.Service, feedRouter router.Router) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Version    any                    `json:"version"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]interface{}),
		}

		// Check durable store
		if err := durable.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["durable_store"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["durable_store"] = durable.Driver
		}

		stats := registry.Stats()
		health.Components["market_registry"] = map[string]interface{}{
			"securities": stats.Securities,
			"venues":     stats.Venues,
		}
		health.Components["feeds"] = map[string]interface{}{
			"sources": feedRouter.Stats().SourcesActive,
		}
		health.Components["sessions"] = svc.Sessions()
		if feedRouter.Stats().SourcesActive == 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/tickers", func(w http.ResponseWriter, r *http.Request) {
		tickers := registry.Tickers()
		count := len(tickers)

		// Limit to first 100 for debugging
		limit := 100
		if len(tickers) > limit {
			tickers = tickers[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":   count,
			"showing": len(tickers),
			"tickers": tickers,
		})
	})

	return mux
}
