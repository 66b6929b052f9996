// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"net"

	"github.com/absmach/sockgate/pkg/errors"
)

// DialFunc opens a stream to a target address.
type DialFunc func(ctx context.Context, a Address) (*Conn, error)

// Dial parses addr and connects to it.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return DialAddress(ctx, a)
}

// DialAddress connects to a parsed address.
func DialAddress(ctx context.Context, a Address) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, a.Network(), a.Addr)
	if err != nil {
		return nil, errors.Join(errors.ErrConnect, err)
	}
	return NewConn(c, a.Scheme), nil
}
