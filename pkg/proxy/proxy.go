// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/gateway"
	"github.com/absmach/sockgate/pkg/server"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
)

// DefaultHost is the placeholder host of forwarded HTTP requests.
const DefaultHost = "localhost"

// Config holds the forwarding configuration of one service.
type Config struct {
	// Service is the service name used in logs, metrics and errors.
	Service string

	// Protocol selects stream or HTTP forwarding.
	Protocol session.Protocol

	// Target is where connections are forwarded.
	Target socket.Address

	// Timeout bounds dialing and idle time. Zero disables it.
	Timeout time.Duration

	// Headers are added to forwarded HTTP requests that lack them.
	Headers map[string]string

	// Host replaces the Host header of forwarded HTTP requests.
	Host string

	// HTTP2 makes the HTTP mode speak cleartext HTTP/2 to the target.
	HTTP2 bool

	// Router resolves HTTP routes. Nil forwards every request unmodified.
	Router *gateway.Router

	// Dial opens connections to the target. Defaults to socket.DialAddress.
	Dial socket.DialFunc

	// Observer is notified of session events.
	Observer session.Observer

	// Logger for proxy events
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = session.NoopObserver{}
	}
	if c.Dial == nil {
		c.Dial = socket.DialAddress
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	return c
}

// dialTarget connects to the target, bounded by Timeout.
func (c Config) dialTarget(ctx context.Context) (*socket.Conn, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.Dial(ctx, c.Target)
}

// Handler forwards connections of one service.
type Handler interface {
	server.Handler

	// Close releases resources held across connections.
	Close() error
}

// New returns the Handler for cfg.Protocol.
func New(cfg Config) (Handler, error) {
	if cfg.Target.IsZero() {
		return nil, fmt.Errorf("%w: service %q has no target", errors.ErrConfiguration, cfg.Service)
	}

	switch cfg.Protocol {
	case session.TCP:
		return NewStream(cfg), nil
	case session.HTTP:
		return NewHTTP(cfg), nil
	default:
		return nil, fmt.Errorf("%w: service %q: unsupported protocol %q", errors.ErrConfiguration, cfg.Service, cfg.Protocol)
	}
}
