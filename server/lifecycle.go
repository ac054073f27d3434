package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/pulse/throttle"
)

// Serve accepts connections on ln until Stop is called. It returns nil
// after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.setState(ServerStateRunning)
	s.logger.Infow(fmt.Sprintf("HTTP server listening on %s", ln.Addr()))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// ListenAndServe listens on the given port on all interfaces
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Stop drains in-flight requests, closes stream clients and waits for their
// goroutines, bounded by ShutdownTimeout
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	// Pipeline runs are detached from request contexts, so this waits for
	// triggers in flight to finalize their ledger rows
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = errors.Wrap(err, "http server shutdown")
	}

	// Hijacked stream connections are not tracked by http.Server
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All stream clients closed cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Stream client shutdown timed out", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return shutdownErr
}

// ApplyConfig picks up settings that are safe to change while serving:
// bearer tokens and throttle limits
func (s *Server) ApplyConfig(cfg *am.Config) error {
	if ta, ok := s.auth.(*TokenAuthorizer); ok {
		ta.SetTokens(cfg.Server.Tokens)
	}
	if s.throttle != nil {
		s.throttle.Reconfigure(ThrottleConfig(cfg.Throttle))
	}
	s.logger.Infow("Server configuration reloaded",
		"tokens", len(cfg.Server.Tokens),
		"throttle_max_per_window", cfg.Throttle.MaxPerWindow)
	return nil
}

// ThrottleConfig converts the am throttle section
func ThrottleConfig(c am.ThrottleConfig) throttle.Config {
	return throttle.Config{
		MaxPerWindow: c.MaxPerWindow,
		Window:       time.Duration(c.WindowSeconds) * time.Second,
		TTL:          time.Duration(c.TTLSeconds) * time.Second,
	}
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.startedAt)
}
