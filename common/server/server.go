// Package server wraps an http.Handler with graceful, context-driven
// shutdown, the shape the teacher's own HTTP entry points use before
// standing up a signal handler of their own.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oocana/oocana-core/common/logger"
)

// Server wraps an http.Handler (anything satisfying it, including an echo
// router) with a bounded graceful shutdown driven by an external context
// rather than its own signal.Notify — the caller owns cancellation.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        *logger.Logger
	name       string
}

// New binds host:port (port 0 picks an ephemeral port) and returns a Server
// ready to Serve. Binding happens here, synchronously, so Addr is available
// immediately.
func New(name, host string, port int, handler http.Handler, log *logger.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", name, err)
	}
	return &Server{
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		listener: ln,
		log:      log,
		name:     name,
	}, nil
}

// Addr returns the address actually bound by New.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks, serving on the bound listener until ctx is cancelled, then
// shuts down gracefully within grace, falling back to a hard close if
// shutdown doesn't finish in time.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.listener.Addr().String())
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
			return
		}
		serverErrors <- nil
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error(fmt.Sprintf("%s graceful shutdown failed", s.name), "error", err)
			if closeErr := s.httpServer.Close(); closeErr != nil {
				return fmt.Errorf("could not stop %s: %w", s.name, closeErr)
			}
		}
		s.log.Info(fmt.Sprintf("%s shutdown complete", s.name))
		return nil
	}
}
