// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/socket"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultWorkers bounds concurrent connections when Config.Workers is unset.
	DefaultWorkers = 1024

	// DefaultShutdownTimeout bounds draining when Config.ShutdownTimeout is unset.
	DefaultShutdownTimeout = 30 * time.Second

	maxAcceptBackoff = time.Second
	forceCloseGrace  = time.Second
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = gwerrors.ErrShutdownTimeout

// Handler serves one accepted connection. The server closes conn after
// Handle returns.
type Handler interface {
	Handle(ctx context.Context, conn *socket.Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *socket.Conn) error

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn *socket.Conn) error {
	return f(ctx, conn)
}

// Drainer is implemented by handlers that hold connections open between
// units of work, such as HTTP keep-alive. Drain is called once when
// shutdown begins.
type Drainer interface {
	Drain()
}

// Limiter decides whether a newly accepted connection from peer may be
// served.
type Limiter interface {
	Allow(peer socket.Address) bool
}

// Config holds the server configuration.
type Config struct {
	// Name identifies the service in logs.
	Name string

	// Address is the listen address used by Listen (scheme://addr).
	Address string

	// Workers is the maximum number of connections handled at once.
	Workers int64

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// WrapListener, if set, wraps the bound listener before the first
	// Accept, for example to terminate TLS.
	WrapListener func(net.Listener) net.Listener

	// OnAcceptError is called for every failed Accept.
	OnAcceptError func(err error)

	// Limiter, if set, is consulted for every accepted connection.
	// Refused connections are closed at once.
	Limiter Limiter

	// OnReject is called for every connection refused by Limiter.
	OnReject func(peer socket.Address)

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts connections for one service and dispatches them to a Handler.
type Server struct {
	config  Config
	handler Handler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	active  atomic.Int64

	mu   sync.Mutex
	addr socket.Address
}

// New creates a new server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{
		config:  cfg,
		handler: h,
		sem:     semaphore.NewWeighted(cfg.Workers),
	}
}

// Listen binds Config.Address and serves until the context is canceled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := socket.Listen(ctx, s.config.Address)
	if err != nil {
		return gwerrors.New("bind", s.config.Name, "", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is canceled, then
// drains in-flight connections. Serve closes ln.
func (s *Server) Serve(ctx context.Context, ln *socket.Listener) error {
	ln.Wrap(s.config.WrapListener)

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	logger := s.config.Logger.With(slog.String("service", s.config.Name))
	logger.Info("server started",
		slog.String("address", ln.Addr().String()),
		slog.Int64("workers", s.config.Workers))

	// Handlers get a context that outlives ctx so draining connections are
	// not cut off; connCancel forces them closed.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, ln, logger)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, closing listener")

	if err := ln.Close(); err != nil {
		logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	if d, ok := s.handler.(Drainer); ok {
		d.Drain()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.Int64("active", s.active.Load()))
		connCancel()
		select {
		case <-done:
		case <-time.After(forceCloseGrace):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, ln *socket.Listener, logger *slog.Logger) {
	var backoff time.Duration
	for {
		// Wait for a free worker before taking the next connection.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		conn, peer, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			err = gwerrors.Join(gwerrors.ErrAccept, err)
			logger.Error("failed to accept connection", slog.String("error", err.Error()))
			if s.config.OnAcceptError != nil {
				s.config.OnAcceptError(err)
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if s.config.Limiter != nil && !s.config.Limiter.Allow(peer) {
			conn.Close()
			s.sem.Release(1)
			logger.Debug("connection refused by rate limit", slog.String("remote", peer.String()))
			if s.config.OnReject != nil {
				s.config.OnReject(peer)
			}
			continue
		}

		s.wg.Add(1)
		s.active.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			defer s.sem.Release(1)
			s.handleConn(connCtx, conn, logger)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn *socket.Conn, logger *slog.Logger) {
	defer conn.Close()

	// Forced shutdown closes the connection under the handler.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handler.Handle(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("connection handler error",
			slog.String("remote", conn.RemoteAddress().String()),
			slog.String("error", err.Error()))
	}
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() socket.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Active returns the number of connections being handled.
func (s *Server) Active() int64 {
	return s.active.Load()
}
