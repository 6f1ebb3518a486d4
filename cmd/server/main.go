package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/tenantcast/internal/adapter/httpserver"
	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	wsadapter "github.com/pscheid92/tenantcast/internal/adapter/websocket"
	"github.com/pscheid92/tenantcast/internal/app"
	"github.com/pscheid92/tenantcast/internal/broadcast"
	"github.com/pscheid92/tenantcast/internal/platform/config"
	"github.com/pscheid92/tenantcast/internal/platform/logging"
	"github.com/pscheid92/tenantcast/internal/platform/version"
)

const shutdownTimeout = 10 * time.Second

func runGracefulShutdown(srv *httpserver.Server, registry *broadcast.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Upgraded connections outlive the HTTP server; the registry closes them.
		registry.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	reg := metrics.NewRegistry()

	registry := broadcast.NewRegistry(clock, broadcast.Config{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxClientsPerTenant: cfg.MaxClientsPerTenant,
	}, metrics.NewRegistryMetrics(reg))

	limits := wsadapter.NewConnectionLimits(clock, wsadapter.LimitsConfig{
		MaxConnections:      cfg.MaxWebSocketConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		RatePerIP:           cfg.ConnectionRatePerIP,
		RateBurst:           cfg.ConnectionRateBurst,
	})
	wsHandler := wsadapter.NewHandler(registry, limits, metrics.NewWebSocketMetrics(reg),
		wsadapter.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()))

	notifier := app.NewNotifier(registry)

	srv := httpserver.NewServer(cfg, notifier, registry, wsHandler, reg, metrics.NewHTTPMetrics(reg))

	done := runGracefulShutdown(srv, registry)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		registry.Stop()
		os.Exit(1)
	}

	<-done
}
