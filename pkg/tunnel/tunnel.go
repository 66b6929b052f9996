// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel copies bytes both ways between two connections.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
)

// Stats counts the bytes a tunnel moved.
type Stats struct {
	// Upstream is client to target.
	Upstream int64
	// Downstream is target to client.
	Downstream int64
}

// Total returns the bytes moved in both directions.
func (s Stats) Total() int64 {
	return s.Upstream + s.Downstream
}

type closeWriter interface {
	CloseWrite() error
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Pipe forwards client to target and target to client until both
// directions reach end of stream.
//
// When one direction ends cleanly its destination is half-closed so the
// peer sees EOF while the other direction keeps flowing. When one direction
// fails, or ctx is done, both connections are closed. The returned error
// wraps errors.ErrStream; a clean finish returns nil.
//
// Pipe does not close the connections on a clean finish.
func Pipe(ctx context.Context, client, target net.Conn) (Stats, error) {
	type result struct {
		n   int64
		err error
	}

	var (
		stats    Stats
		closeAll sync.Once
		abort    = func() {
			closeAll.Do(func() {
				client.Close()
				target.Close()
			})
		}
	)

	up := make(chan result, 1)
	down := make(chan result, 1)

	copyHalf := func(dst, src net.Conn, out chan<- result) {
		n, err := copyBuffer(dst, src)
		if err != nil {
			abort()
		} else {
			halfClose(dst)
		}
		out <- result{n: n, err: err}
	}

	go copyHalf(target, client, up)
	go copyHalf(client, target, down)

	stop := context.AfterFunc(ctx, abort)
	defer stop()

	var streamErr error
	for up != nil || down != nil {
		select {
		case r := <-up:
			stats.Upstream = r.n
			streamErr = firstErr(streamErr, r.err)
			up = nil
		case r := <-down:
			stats.Downstream = r.n
			streamErr = firstErr(streamErr, r.err)
			down = nil
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, gwerrors.Join(gwerrors.ErrStream, err)
	}
	return stats, gwerrors.Join(gwerrors.ErrStream, streamErr)
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)

	n, err := io.CopyBuffer(dst, src, *bp)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	c.Close()
}

// firstErr keeps the first real failure. An error caused by the other
// direction closing the connection is not one.
func firstErr(cur, err error) error {
	if cur != nil || err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return cur
	}
	return err
}
