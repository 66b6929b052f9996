// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"fmt"
	"net"
	"strings"

	"github.com/absmach/sockgate/pkg/errors"
)

// Scheme identifies the transport of an Address.
type Scheme string

const (
	// TCP is a TCP/IP stream socket.
	TCP Scheme = "tcp"

	// Unix is a Unix-domain stream socket.
	Unix Scheme = "unix"
)

const schemeSep = "://"

// Address is a transport-tagged socket address.
type Address struct {
	Scheme Scheme
	// Addr is host:port for TCP and a filesystem path for Unix.
	Addr string
}

// ParseAddress parses a scheme://address string.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, schemeSep)
	if !ok {
		return Address{}, fmt.Errorf("%w %q: missing scheme", errors.ErrInvalidAddress, s)
	}

	switch Scheme(strings.ToLower(scheme)) {
	case TCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Address{}, fmt.Errorf("%w %q: %v", errors.ErrInvalidAddress, s, err)
		}
		return Address{Scheme: TCP, Addr: rest}, nil
	case Unix:
		if rest == "" {
			return Address{}, fmt.Errorf("%w %q: empty socket path", errors.ErrInvalidAddress, s)
		}
		return Address{Scheme: Unix, Addr: rest}, nil
	default:
		return Address{}, fmt.Errorf("%w %q", errors.ErrUnsupportedScheme, scheme)
	}
}

// MustParseAddress is like ParseAddress but panics on error.
// It is intended for tests and static defaults.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromNetAddr converts a net.Addr into an Address.
func FromNetAddr(na net.Addr) Address {
	switch a := na.(type) {
	case *net.TCPAddr:
		if a == nil {
			return Address{Scheme: TCP}
		}
		return Address{Scheme: TCP, Addr: a.String()}
	case *net.UnixAddr:
		if a == nil {
			return Address{Scheme: Unix}
		}
		return Address{Scheme: Unix, Addr: a.Name}
	case nil:
		return Address{}
	default:
		return Address{Scheme: Scheme(na.Network()), Addr: na.String()}
	}
}

// Network returns the net package network name for the address.
func (a Address) Network() string {
	return string(a.Scheme)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Scheme == "" && a.Addr == ""
}

// String renders the canonical scheme://address form.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return string(a.Scheme) + schemeSep + a.Addr
}
