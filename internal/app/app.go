// Package app owns the HTTP server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/dsl"
	"github.com/Kristopherlb/harmony-sub001/internal/http/health"
)

// App controls the HTTP server lifecycle.
type App struct {
	baseCtx         context.Context
	server          *http.Server
	health          *health.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New mounts routes next to the health endpoints. Routes with an empty path or nil handler are skipped.
func New(baseCtx context.Context, serverCfg dsl.ServerConfig, routes map[string]http.Handler, probes *health.Handler, logger *slog.Logger, shutdownTimeout time.Duration) (*App, error) {
	if baseCtx == nil {
		return nil, fmt.Errorf("base context is nil")
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes to serve")
	}
	if probes == nil {
		probes = health.New(0)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", probes.Healthz)
	mux.HandleFunc("/readyz", probes.Readyz)
	paths := make([]string, 0, len(routes))
	for path, route := range routes {
		if strings.TrimSpace(path) == "" || route == nil {
			continue
		}
		mux.Handle(path, route)
		paths = append(paths, path)
	}
	sort.Strings(paths)
	logger.Debug("http routes", "paths", paths)

	if shutdownTimeout == 0 {
		shutdownTimeout = dsl.ParseDuration(serverCfg.ShutdownTimeout, 10*time.Second)
	}

	return &App{
		baseCtx: baseCtx,
		server: &http.Server{
			Addr:         serverCfg.HTTP.Listen,
			Handler:      mux,
			ReadTimeout:  dsl.ParseDuration(serverCfg.HTTP.ReadTimeout, 15*time.Second),
			WriteTimeout: dsl.ParseDuration(serverCfg.HTTP.WriteTimeout, 15*time.Second),
			IdleTimeout:  dsl.ParseDuration(serverCfg.HTTP.IdleTimeout, 60*time.Second),
		},
		health:          probes,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Handler returns the root handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and blocks until ctx ends or the server fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.health.SetReady()
		a.logger.Info("http server started", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		return a.shutdown()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Error("http server error", "error", err)
		return err
	}
}

func (a *App) shutdown() error {
	a.health.SetNotReady()
	ctx, cancel := context.WithTimeout(a.baseCtx, a.shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
