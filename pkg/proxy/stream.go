// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"

	"github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
	"github.com/absmach/sockgate/pkg/tunnel"
)

// Stream forwards raw bytes between each accepted connection and a fresh
// connection to the target.
type Stream struct {
	cfg Config
}

var _ Handler = (*Stream)(nil)

// NewStream creates a stream-mode handler.
func NewStream(cfg Config) *Stream {
	return &Stream{cfg: cfg.withDefaults()}
}

// Handle dials the target and tunnels conn to it until both sides finish.
// A dropped connection is never retried.
func (p *Stream) Handle(ctx context.Context, conn *socket.Conn) error {
	obs := p.cfg.Observer
	sess := session.New(p.cfg.Service, session.TCP, conn.RemoteAddress(), p.cfg.Target)
	remote := sess.Remote.String()

	if err := obs.OnConnect(ctx, sess); err != nil {
		obs.OnDisconnect(ctx, sess, tunnel.Stats{}, err)
		return errors.New("connect", p.cfg.Service, sess.ID, remote, err)
	}

	target, err := p.cfg.dialTarget(ctx)
	if err != nil {
		obs.OnDialError(ctx, sess, err)
		obs.OnDisconnect(ctx, sess, tunnel.Stats{}, err)
		return errors.New("dial", p.cfg.Service, sess.ID, remote, err)
	}
	defer target.Close()

	if p.cfg.Timeout > 0 {
		conn.SetIdleTimeout(p.cfg.Timeout)
		target.SetIdleTimeout(p.cfg.Timeout)
	}

	stats, err := tunnel.Pipe(ctx, conn, target)
	obs.OnDisconnect(ctx, sess, stats, err)

	return errors.New("stream", p.cfg.Service, sess.ID, remote, err)
}

// Close is a no-op; stream mode holds nothing across connections.
func (p *Stream) Close() error {
	return nil
}
