package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/saelo/feuerfuchs/internal/config"
)

// Server accepts connections and runs one Session per connection.
type Server struct {
	addr    string
	deps    Deps
	limiter ratelimit.RateLimiter
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a server for the given configuration and dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	var limiter ratelimit.RateLimiter
	if cfg.Server.ConnsPerMinute > 0 {
		limiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.Server.ConnsPerMinute,
			Burst:    cfg.Server.ConnsPerMinute,
			Interval: time.Minute,
		})
	}

	return &Server{
		addr:    cfg.Addr(),
		deps:    deps,
		limiter: limiter,
		logger:  deps.Logger,
	}
}

// ListenAndServe accepts connections until ctx is canceled, then waits
// for in-flight sessions to finish their teardown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("serving", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}

	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Close()
	}
	s.logger.Info("server stopped")
	return nil
}

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.limiter != nil {
		peer := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(peer); err == nil {
			peer = host
		}
		if !s.limiter.Allow(ctx, peer) {
			s.deps.Metrics.ThrottledConns.Inc()
			s.logger.Info("throttled connection", "peer", peer)
			fmt.Fprintln(conn, "Too many connections from your address, slow down")
			return
		}
	}

	newSession(conn, s.deps).run(ctx)
}
