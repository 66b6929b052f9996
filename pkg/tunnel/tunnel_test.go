// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatalf("Accept failed")
	}
	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed, server
}

func TestPipeBidirectional(t *testing.T) {
	// client <-> clientSide | tunnel | targetSide <-> target
	client, clientSide := tcpPair(t)
	targetSide, target := tcpPair(t)

	upstream := bytes.Repeat([]byte("u"), 100*1024)
	downstream := []byte("response from target")

	type pipeResult struct {
		stats Stats
		err   error
	}
	done := make(chan pipeResult, 1)
	go func() {
		stats, err := Pipe(context.Background(), clientSide, targetSide)
		done <- pipeResult{stats, err}
	}()

	targetGot := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(target)
		targetGot <- data
		target.Write(downstream)
		target.(*net.TCPConn).CloseWrite()
	}()

	if _, err := client.Write(upstream); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	client.(*net.TCPConn).CloseWrite()

	if got := <-targetGot; !bytes.Equal(got, upstream) {
		t.Fatalf("target received %d bytes, want %d", len(got), len(upstream))
	}

	reply, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(reply, downstream) {
		t.Errorf("client received %q, want %q", reply, downstream)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Pipe returned error: %v", r.err)
		}
		if r.stats.Upstream != int64(len(upstream)) {
			t.Errorf("Upstream = %d, want %d", r.stats.Upstream, len(upstream))
		}
		if r.stats.Downstream != int64(len(downstream)) {
			t.Errorf("Downstream = %d, want %d", r.stats.Downstream, len(downstream))
		}
		if r.stats.Total() != int64(len(upstream)+len(downstream)) {
			t.Errorf("Total = %d", r.stats.Total())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Pipe did not finish")
	}
}

func TestPipeContextCancel(t *testing.T) {
	_, clientSide := tcpPair(t)
	targetSide, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Pipe(ctx, clientSide, targetSide)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, gwerrors.ErrStream) || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected stream error wrapping context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Pipe did not stop after cancel")
	}
}

func TestPipeWithoutHalfClose(t *testing.T) {
	// net.Pipe has no CloseWrite; ending one direction closes the connection.
	client, clientSide := net.Pipe()
	targetSide, target := net.Pipe()
	defer client.Close()
	defer target.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Pipe(context.Background(), clientSide, targetSide)
		done <- err
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(target, buf)
		target.Write(buf)
		target.Close()
	}()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	reply, _ := io.ReadAll(client)
	if string(reply) != "hello" {
		t.Errorf("reply = %q, want hello", reply)
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Pipe did not finish")
	}
}
