// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net"
	"sync"

	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
)

// connListener is a net.Listener fed by the service accept loop, so the
// HTTP server serves connections it did not accept itself.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

var _ net.Listener = (*connListener)(nil)

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// deliver hands c to Accept. It fails once the listener is closed.
func (l *connListener) deliver(ctx context.Context, c net.Conn) error {
	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

// trackedConn signals done when the HTTP server, or whoever hijacked the
// connection, closes it.
type trackedConn struct {
	*socket.Conn
	session *session.Session
	done    chan struct{}
	once    sync.Once
}

func newTrackedConn(c *socket.Conn, s *session.Session) *trackedConn {
	return &trackedConn{
		Conn:    c,
		session: s,
		done:    make(chan struct{}),
	}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

type sessionKey struct{}

type forwardKey struct{}

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey{}).(*session.Session)
	return s
}
