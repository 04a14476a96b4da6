// Package api exposes the process's current margin, position, and
// order_mode state as flat JSON over net/http — a read-only window into
// state the other components already publish, not a control surface
// (spec.md's dashboard/UI non-goal rules out anything more than that).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the read-only balance/position/mode HTTP API.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the API server. addr is "host:port" as passed to
// http.Server.Addr, e.g. ":8090".
func NewServer(addr string, margins marginReader, symbols symbolLister, positions positionReader, mode modeReader, logger *slog.Logger) *Server {
	h := newHandlers(margins, symbols, positions, mode, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/balances", h.HandleBalances)
	mux.HandleFunc("/positions", h.HandlePositions)
	mux.HandleFunc("/mode", h.HandleMode)

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("api server stopping")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
