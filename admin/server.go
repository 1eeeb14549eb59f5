package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerConfig holds admin server configuration
type ServerConfig struct {
	Address   string
	AuthToken string

	// MetricsHandler is mounted at /metrics when non-nil
	MetricsHandler http.Handler
}

// Server serves the metadata API, metrics and pprof on one listener
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new admin server
func NewServer(config ServerConfig, handlers *Handlers) *Server {
	r := NewRouter(handlers, config.AuthToken)

	// Register pprof handlers for profiling
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Optionally add metrics handler
	if config.MetricsHandler != nil {
		r.Handle("/metrics", config.MetricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	return &Server{
		config: config,
		httpServer: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins listening and serving in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	log.Info().Str("address", listener.Addr().String()).Msg("Admin API listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
