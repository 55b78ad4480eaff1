package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"propsync/internal/config"
	"propsync/internal/propsync"
)

// Server runs the HTTP facade until its context is cancelled.
type Server struct {
	http   *http.Server
	logger propsync.Logger
}

// NewServer wraps the router in an http.Server listening on cfg.Addr.
func NewServer(catalog Catalog, cfg config.ServerConfig, logger propsync.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(catalog, cfg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully. Open event
// streams end when their request contexts are cancelled by the shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.http.Close()
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
