// Package app is the main orchestrator that ties all server components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/resonat-chat/resonat/internal/api"
	"github.com/resonat-chat/resonat/internal/auth"
	"github.com/resonat-chat/resonat/internal/config"
	"github.com/resonat-chat/resonat/internal/relay"
	"github.com/resonat-chat/resonat/internal/store"
)

// App is the main server process.
type App struct {
	cfg    *config.Config
	store  store.Store
	auth   *auth.Service
	relay  *relay.Relay
	api    *api.Server
	logger *slog.Logger
}

// New creates a new server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)

	rl := relay.New(db, authSvc, logger, cfg.Relay, cfg.Server.AllowedOrigins)

	apiSrv := api.NewServer(db, authSvc, rl, cfg, logger)

	a := &App{
		cfg:    cfg,
		store:  db,
		auth:   authSvc,
		relay:  rl,
		api:    apiSrv,
		logger: logger.With("component", "app"),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if err := os.MkdirAll(cfg.Upload.Dir, 0o755); err != nil {
		logger.Warn("upload directory is not writable", "path", cfg.Upload.Dir, "error", err)
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}
