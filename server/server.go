// Package server exposes the service over HTTP with a chi router.
//
// Authentication is a stub: the caller's user id is read from the X-User-ID
// header, which a fronting gateway is expected to set after verifying the
// caller. Handlers never return internal error text.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/poiesic/neurosim"
	"github.com/poiesic/neurosim/config"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/rag"
)

// DefaultMaxUploadBytes caps the document size accepted by the upload route.
const DefaultMaxUploadBytes = 10 << 20

// multipartOverhead is allowed on top of the document for form encoding.
const multipartOverhead = 64 << 10

// ErrServiceRequired is returned by New when service is nil.
var ErrServiceRequired = errors.New("service is required")

// Service is the behavior the HTTP layer needs. *neurosim.Service implements it.
type Service interface {
	Upload(ctx context.Context, userID, filename string, raw []byte) (*neurosim.UploadReceipt, error)
	Chat(ctx context.Context, userID, question string) (*rag.Reply, error)
	DeleteUser(ctx context.Context, userID string) (*neurosim.DeletionReport, error)
	JobStatus(ctx context.Context, userID, fileID string) (*core.Job, error)
	Health(ctx context.Context) *neurosim.Health
}

var _ Service = (*neurosim.Service)(nil)

// Server routes HTTP requests to a Service.
type Server struct {
	service        Service
	logger         *slog.Logger
	maxUploadBytes int64
	handler        http.Handler
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMaxUploadBytes sets the largest document the upload route reads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) error {
		if n < 1 {
			return fmt.Errorf("%w: max upload bytes must be positive, got %d", core.ErrConfiguration, n)
		}
		s.maxUploadBytes = n
		return nil
	}
}

// New creates a Server for service.
func New(service Service, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}
	s := &Server{
		service:        service,
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "http")
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully, waiting up to cfg.ShutdownTimeout for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
