// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/absmach/sockgate/pkg/socket"
	"github.com/google/uuid"
)

// Protocol is the forwarding mode of a service.
type Protocol string

const (
	// HTTP forwards request by request with URI rewriting.
	HTTP Protocol = "http"
	// TCP forwards an opaque byte stream.
	TCP Protocol = "tcp"
)

// Session holds the metadata of one accepted connection.
type Session struct {
	// ID is unique per connection.
	ID string

	// Service is the name of the service that accepted the connection.
	Service string

	// Protocol is the forwarding mode.
	Protocol Protocol

	// Remote is the peer that connected to the service.
	Remote socket.Address

	// Target is the address the service forwards to.
	Target socket.Address

	// Started is when the connection was accepted.
	Started time.Time
}

// New returns a Session with a fresh ID.
func New(service string, protocol Protocol, remote, target socket.Address) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Service:  service,
		Protocol: protocol,
		Remote:   remote,
		Target:   target,
		Started:  time.Now(),
	}
}

// Age returns how long the session has been open.
func (s *Session) Age() time.Duration {
	return time.Since(s.Started)
}

// Request describes one forwarded HTTP request.
type Request struct {
	Method string

	// Path is the inbound request path.
	Path string

	// Forwarded is the path sent to the target.
	Forwarded string

	// Route is the match kind of the route that rewrote the path, or
	// "fallback" when no route matched.
	Route string

	// Status is the response status returned to the caller.
	Status int

	Duration time.Duration

	// Upgraded is set when the request switched to a WebSocket tunnel.
	Upgraded bool
}
