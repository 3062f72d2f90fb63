package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter registers all admin API routes using chi router
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()

	// Scraped without auth, like any Prometheus target
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/status", handlers.handleStatus)
		r.Get("/watermark", handlers.handleWatermark)
		r.Get("/watch/{seqno}", handlers.handleWatch)
		r.Get("/sinks", handlers.handleSinks)
	})

	return r
}

// Server runs the admin router on its own listener
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer listens on address:port. Port 0 picks a free port.
func NewServer(address string, port int, handlers *AdminHandlers) (*Server, error) {
	addr := net.JoinHostPort(address, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", addr, err)
	}

	return &Server{
		srv: &http.Server{
			Handler:           NewRouter(handlers),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background
func (s *Server) Start() {
	log.Info().Str("addr", s.Addr()).Msg("Admin endpoint enabled")
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
