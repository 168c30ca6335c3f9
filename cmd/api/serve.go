package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"finamreports/internal/app"
	"finamreports/internal/config"
	transporthttp "finamreports/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := config.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	httpServer := newHTTPServer(cfg.ListenAddr, a)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("reports api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-cmd.Context().Done():
		logger.Info("signal received, shutting down")
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	return nil
}

// newHTTPServer serves the API of a. Live viewers never finish on their own,
// so Shutdown disconnects them instead of waiting out its deadline.
func newHTTPServer(addr string, a *app.App) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           transporthttp.NewServer(a).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams last as long as a generation, so writes are bounded by
		// the run timeout instead.
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(a.Gateway.Close)
	return srv
}
