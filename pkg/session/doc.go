// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session describes one accepted connection and the hooks that
// observe it.
//
// # Lifecycle
//
//	Accepted → OnConnect → (OnRequest)* → OnDisconnect
//
// The proxy engine creates a Session as soon as a connection is accepted
// and calls the Observer at each step. In stream mode there are no
// requests; the Stats passed to OnDisconnect hold the bytes copied each way.
// In HTTP mode OnRequest fires once per forwarded request and the
// connection-level Stats stay zero.
//
// OnConnect may return an error to refuse the connection before the target
// is dialed. The other hooks are notifications and cannot fail.
//
// # Observers
//
// Metrics and logging each implement Observer. Chain fans one event out to
// several observers in order:
//
//	obs := session.Chain{metrics, session.NewLogObserver(logger)}
package session
