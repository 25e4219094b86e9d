// Package api exposes the config and options flows over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/sampler"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	maxBodySize             = 64 << 10
)

// EntryService runs the config and options flows. Implemented by *entry.Flow.
type EntryService interface {
	Create(ctx context.Context, in entry.CreateInput) (*entry.Entry, error)
	UpdateOptions(ctx context.Context, id string, in entry.OptionsInput) (*entry.Entry, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*entry.Entry, error)
	List(ctx context.Context) ([]entry.Entry, error)
}

// StateProvider exposes the current state of running sensors. Implemented by *sampler.Manager.
type StateProvider interface {
	Snapshot(id string) (sampler.State, bool)
}

// HealthFunc reports whether the service is healthy.
type HealthFunc func(ctx context.Context) error

type Deps struct {
	Listen  string
	Entries EntryService
	States  StateProvider
	Health  HealthFunc
	Version string
}

type Server struct {
	entries EntryService
	states  StateProvider
	health  HealthFunc
	version string
	server  *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Entries == nil {
		return nil, errors.New("entry service is required")
	}

	s := &Server{
		entries: deps.Entries,
		states:  deps.States,
		health:  deps.Health,
		version: deps.Version,
	}

	s.server = &http.Server{
		Addr:              deps.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}
