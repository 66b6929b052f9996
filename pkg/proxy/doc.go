// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy forwards accepted connections to a service target.
//
// # Modes
//
// A service forwards in one of two modes, chosen by its protocol:
//
//   - Stream (tcp): dial the target and copy bytes both ways until each
//     side has half-closed. No protocol awareness.
//   - HTTP (http): serve HTTP/1.1 and cleartext HTTP/2 on the accepted
//     connection and forward request by request, rewriting URIs through
//     the service route table.
//
// Both modes implement server.Handler, so the per-service accept loop in
// package server drives them the same way:
//
//	┌──────────┐   conn   ┌─────────┐   dial   ┌────────┐
//	│  server  │ ───────→ │ Stream  │ ───────→ │ target │
//	└──────────┘          │  HTTP   │          └────────┘
//	                      └─────────┘
//	                           ↓
//	                   ┌──────────────┐
//	                   │ gateway.     │ (HTTP only)
//	                   │ Router       │
//	                   └──────────────┘
//
// # HTTP forwarding
//
// For every request the path is resolved against the route table. A
// matching route replaces the path with its rewritten form; no match sends
// the request to the target unmodified. The outbound URL host and the Host
// header are a fixed placeholder (default "localhost") because the target
// is addressed by socket, not by name. All other headers pass through, and
// the service's default headers are added when the request lacks them.
//
// Requests asking for a WebSocket upgrade are upgraded on both sides and
// relayed message by message, keeping message types and close codes.
//
// A target that cannot be dialed yields 502 Bad Gateway for that request
// only.
//
// # Timeouts
//
// Config.Timeout bounds dialing, idle stream connections, HTTP header reads
// and idle keep-alive connections, and the wait for a response header. Zero
// disables all of them.
package proxy
