package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/tabletd/admin"
	"github.com/maxpert/tabletd/cfg"
	"github.com/maxpert/tabletd/tablet"
	"github.com/maxpert/tabletd/task"
	"github.com/maxpert/tabletd/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("tabletd - tablet header service")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Open one header store per storage path and load its tablets
	mgr := tablet.NewTabletManager()
	stores, err := openStores(mgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open tablet header stores")
		return
	}
	defer closeStores(stores)

	canceller := task.NewCancelDeleteTask(task.DefaultCancelDeleteConfig(mgr))

	if cfg.Config.Prometheus.Enabled {
		interval := time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds) * time.Second
		collector := telemetry.NewMetricsCollector(mgr, interval)
		collector.Start()
		defer collector.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled || cfg.Config.Prometheus.Enabled {
		server = startHTTPServer(mgr, canceller)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("admin_port", cfg.Config.Admin.Port).
		Strs("storage_paths", cfg.Config.Storage.Paths).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}
}

func openStores(mgr *tablet.TabletManager) ([]tablet.MetaStore, error) {
	stores := make([]tablet.MetaStore, 0, len(cfg.Config.Storage.Paths))

	for _, path := range cfg.Config.Storage.Paths {
		var store tablet.MetaStore
		if cfg.Config.Storage.InMemory {
			store = tablet.NewMemoryMetaStore()
		} else {
			pebbleStore, err := tablet.NewPebbleMetaStore(path, tablet.DefaultPebbleOptions())
			if err != nil {
				closeStores(stores)
				return nil, fmt.Errorf("open store %s: %w", path, err)
			}
			store = pebbleStore
		}
		stores = append(stores, store)

		if _, err := mgr.LoadTablets(path, store); err != nil {
			closeStores(stores)
			return nil, err
		}
	}

	return stores, nil
}

func closeStores(stores []tablet.MetaStore) {
	for _, s := range stores {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close tablet header store")
		}
	}
}

func startHTTPServer(mgr *tablet.TabletManager, canceller *task.CancelDeleteTask) *http.Server {
	mux := http.NewServeMux()

	if cfg.Config.Admin.Enabled {
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(mgr, canceller))
	}

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	return server
}
