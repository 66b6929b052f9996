// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server runs the accept loop of one service.
//
// # Overview
//
// A Server accepts connections from a socket.Listener (TCP or Unix-domain)
// and hands each one to a Handler in its own goroutine. It knows nothing of
// protocols: stream forwarding and HTTP serving are both Handlers.
//
//	┌─────────┐          ┌──────────┐          ┌─────────┐
//	│ Client  │ ←─sock─→ │  Server  │ ──conn─→ │ Handler │
//	└─────────┘          └──────────┘          └─────────┘
//	                          ↓
//	                    ┌───────────┐
//	                    │ semaphore │ (Workers)
//	                    └───────────┘
//
// # Concurrency
//
// At most Workers connections are handled at once. The server acquires a
// worker slot before calling Accept, so a saturated service leaves new
// connections in the kernel backlog instead of accepting and parking them.
// Connections are accepted in arrival order and handled concurrently.
//
// A Limiter, when configured, is asked about every accepted connection;
// refused ones are closed before a Handler sees them and reported through
// OnReject.
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. The listener is closed and no new connections are accepted
//  2. A Handler implementing Drainer is told to wind down idle work
//  3. In-flight connections drain, bounded by ShutdownTimeout
//  4. After the timeout, the context passed to handlers is canceled and
//     every remaining connection is closed
//  5. Serve returns ErrShutdownTimeout if the timeout was exceeded
//
// # Error Handling
//
//   - Accept errors: logged, counted through OnAcceptError, retried with
//     backoff
//   - Handler errors: logged at debug level; they never stop the loop
//
// # Example
//
//	ln, err := socket.Listen(ctx, "unix:///run/sockgate/api.sock")
//	if err != nil {
//		return err
//	}
//	srv := server.New(server.Config{Name: "api", Workers: 256}, handler)
//	return srv.Serve(ctx, ln)
package server
