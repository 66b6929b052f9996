// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/sockgate/pkg/tunnel"
)

// Observer is notified of session events.
type Observer interface {
	// OnConnect is called after accept and before the target is dialed.
	// Return an error to refuse the connection.
	OnConnect(ctx context.Context, s *Session) error

	// OnDialError is called when the target cannot be reached.
	OnDialError(ctx context.Context, s *Session, err error)

	// OnRequest is called after each forwarded HTTP request completes.
	OnRequest(ctx context.Context, s *Session, r Request)

	// OnDisconnect is called once for every OnConnect, refused or not.
	// err is the error that ended the connection, nil for a clean close.
	OnDisconnect(ctx context.Context, s *Session, stats tunnel.Stats, err error)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

var _ Observer = (*NoopObserver)(nil)

func (NoopObserver) OnConnect(context.Context, *Session) error { return nil }

func (NoopObserver) OnDialError(context.Context, *Session, error) {}

func (NoopObserver) OnRequest(context.Context, *Session, Request) {}

func (NoopObserver) OnDisconnect(context.Context, *Session, tunnel.Stats, error) {}

// Chain calls each observer in order. OnConnect stops at the first error.
type Chain []Observer

var _ Observer = Chain(nil)

func (c Chain) OnConnect(ctx context.Context, s *Session) error {
	for _, o := range c {
		if err := o.OnConnect(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnDialError(ctx context.Context, s *Session, err error) {
	for _, o := range c {
		o.OnDialError(ctx, s, err)
	}
}

func (c Chain) OnRequest(ctx context.Context, s *Session, r Request) {
	for _, o := range c {
		o.OnRequest(ctx, s, r)
	}
}

func (c Chain) OnDisconnect(ctx context.Context, s *Session, stats tunnel.Stats, err error) {
	for _, o := range c {
		o.OnDisconnect(ctx, s, stats, err)
	}
}

// LogObserver writes session events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver returns a LogObserver; a nil logger means slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) OnConnect(ctx context.Context, s *Session) error {
	l.logger.DebugContext(ctx, "connection accepted",
		slog.String("service", s.Service),
		slog.String("session", s.ID),
		slog.String("remote", s.Remote.String()),
		slog.String("target", s.Target.String()))
	return nil
}

func (l *LogObserver) OnDialError(ctx context.Context, s *Session, err error) {
	l.logger.WarnContext(ctx, "failed to dial target",
		slog.String("service", s.Service),
		slog.String("session", s.ID),
		slog.String("target", s.Target.String()),
		slog.String("error", err.Error()))
}

func (l *LogObserver) OnRequest(ctx context.Context, s *Session, r Request) {
	l.logger.DebugContext(ctx, "request forwarded",
		slog.String("service", s.Service),
		slog.String("session", s.ID),
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.String("forwarded", r.Forwarded),
		slog.String("route", r.Route),
		slog.Int("status", r.Status),
		slog.Duration("duration", r.Duration))
}

func (l *LogObserver) OnDisconnect(ctx context.Context, s *Session, stats tunnel.Stats, err error) {
	attrs := []any{
		slog.String("service", s.Service),
		slog.String("session", s.ID),
		slog.Int64("upstream_bytes", stats.Upstream),
		slog.Int64("downstream_bytes", stats.Downstream),
		slog.Duration("duration", time.Since(s.Started)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.DebugContext(ctx, "connection closed", attrs...)
}
