// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/absmach/sockgate/pkg/errors"
)

const staleProbeTimeout = 200 * time.Millisecond

// Listener accepts stream connections on a TCP or Unix-domain address.
type Listener struct {
	ln     net.Listener
	scheme Scheme
}

// Listen parses addr and binds a listener on it.
func Listen(ctx context.Context, addr string) (*Listener, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return ListenAddress(ctx, a)
}

// ListenAddress binds a listener on a parsed address.
func ListenAddress(ctx context.Context, a Address) (*Listener, error) {
	if a.Scheme == Unix {
		if err := removeStaleSocket(a.Addr); err != nil {
			return nil, errors.Join(errors.ErrBind, err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, a.Network(), a.Addr)
	if err != nil {
		return nil, errors.Join(errors.ErrBind, err)
	}

	return &Listener{ln: ln, scheme: a.Scheme}, nil
}

// Wrap replaces the underlying net.Listener with fn(current). It is the
// extension point for TLS or connection filtering and must be called
// before the first Accept.
func (l *Listener) Wrap(fn func(net.Listener) net.Listener) {
	if fn != nil {
		l.ln = fn(l.ln)
	}
}

// Accept waits for the next connection and returns it with the peer address.
func (l *Listener) Accept() (*Conn, Address, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, Address{}, err
	}
	conn := NewConn(c, l.scheme)
	return conn, conn.RemoteAddress(), nil
}

// Addr returns the bound address. For tcp://host:0 it carries the
// port chosen by the kernel.
func (l *Listener) Addr() Address {
	a := FromNetAddr(l.ln.Addr())
	a.Scheme = l.scheme
	return a
}

// Close stops the listener. Unix socket files are unlinked.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// removeStaleSocket unlinks a socket file left behind by a process that is
// no longer accepting on it. A live socket is reported as in use.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return nil
	}

	c, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		c.Close()
		return fmt.Errorf("socket %s: %w", path, syscall.EADDRINUSE)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return os.Remove(path)
	}
	return nil
}
