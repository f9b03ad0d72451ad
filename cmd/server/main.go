package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatstream/internal/chat"
	"chatstream/internal/config"
	"chatstream/internal/metrics"
	"chatstream/internal/provider"
	"chatstream/internal/server"
	"chatstream/internal/store"
	"chatstream/internal/store/memory"
	"chatstream/internal/store/sqlstore"
)

func main() {
	cfg := config.Load()

	slog.Info("starting chatstream",
		"listen", cfg.ListenAddr,
		"providers", cfg.EnabledProviders,
		"database", cfg.DatabasePath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabasePath == "" {
		slog.Warn("no database path configured, using in-memory store")
		st = memory.New()
	} else {
		sqlSt, err := sqlstore.Open(cfg.DatabasePath)
		if err != nil {
			slog.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
			os.Exit(1)
		}
		st = sqlSt
	}

	registry := provider.NewRegistry(cfg)
	reg := metrics.NewRegistry()
	service := chat.NewService(registry, st, reg, cfg.SSEPingInterval)

	srv := server.New(cfg, service, registry, st, reg)
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	case err := <-srvErr:
		slog.Error("server error", "error", err)
		registry.Close()
		_ = st.Close()
		os.Exit(1)
	}

	registry.Close()
	if err := st.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
	slog.Info("server stopped")
}
