// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"io"
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// Conn is a stream connection over either transport.
type Conn struct {
	net.Conn
	scheme Scheme
	idle   time.Duration
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps an established net.Conn.
func NewConn(c net.Conn, scheme Scheme) *Conn {
	return &Conn{Conn: c, scheme: scheme}
}

// Scheme returns the transport of the connection.
func (c *Conn) Scheme() Scheme {
	return c.scheme
}

// SetIdleTimeout makes every subsequent read and write fail once the
// connection has been idle for d. Zero disables the timeout.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idle = d
}

// Read reads data from the connection.
func (c *Conn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// Write writes data to the connection.
func (c *Conn) Write(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// ReadFrom lets io.Copy use the kernel fast path between two sockets
// when no idle timeout has to be refreshed.
func (c *Conn) ReadFrom(r io.Reader) (int64, error) {
	if src, ok := r.(*Conn); ok && src.idle == 0 {
		r = src.Conn
	}
	if rf, ok := c.Conn.(io.ReaderFrom); ok && c.idle == 0 {
		return rf.ReadFrom(r)
	}
	return io.Copy(writerOnly{c}, r)
}

// CloseWrite shuts down the writing side of the connection.
// The peer observes end-of-stream while reads remain possible.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// LocalAddress returns the local endpoint as an Address.
func (c *Conn) LocalAddress() Address {
	return FromNetAddr(c.Conn.LocalAddr())
}

// RemoteAddress returns the peer endpoint as an Address.
func (c *Conn) RemoteAddress() Address {
	a := FromNetAddr(c.Conn.RemoteAddr())
	if a.Scheme == "" {
		a.Scheme = c.scheme
	}
	return a
}

// writerOnly hides ReadFrom so io.Copy does not recurse into Conn.ReadFrom.
type writerOnly struct {
	io.Writer
}
