package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callflow-platform/internal/auth"
	"callflow-platform/internal/config"
	"callflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// shutdownGrace is how long in-flight webhooks get to finish on SIGTERM.
const shutdownGrace = 20 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.close()

	r := gin.New()
	r.Use(gin.Recovery(), logger.Middleware(log, "/healthz", "/readyz"))
	registerRoutes(r, newApp(cfg, st, log), st, auth.RequireAccessToken(tokens))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "storage", cfg.App.Storage)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", "grace", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
