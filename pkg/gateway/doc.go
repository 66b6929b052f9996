// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements URI route matching and rewriting for HTTP
// services.
//
// # Patterns
//
// A pattern is a path in which segments may be variables:
//
//	/api/users                       literal
//	/api/users/{id}                  variable, default regex [\w-]+
//	/api/users/{id:[0-9]+}/records   variable with an explicit regex
//
// Matching an inbound path against a pattern yields one MatchKind, tried in
// this order:
//
//   - Exact: the path equals the pattern.
//   - Prefix: the pattern has no variables and the path continues below it
//     ("/" is a prefix of every longer path).
//   - Variable: every variable captured and nothing but an optional
//     trailing slash follows the last capture.
//   - VariablePrefix: every variable captured and more path follows.
//
// A trailing slash in the pattern is significant when nothing follows the
// last variable: "/users/{id}/" does not match "/users/7".
//
// # Rewriting
//
// Rewriting is keyed by variable name, never by position, so a target may
// reorder variables:
//
//	source /api/users/{rid}/records/{id}
//	target /record/{id}/user/{rid}
//	/api/users/1/records/2/x  ->  /record/2/user/1/x
//
// Any path left unconsumed by a VariablePrefix match is appended to the
// rewritten target with exactly one joining slash.
//
// # Route tables
//
// Table compiles an ordered list of URIMapping once. Resolve returns the first
// mapping that accepts the request method and matches and rewrites the path.
// Router holds the current Table behind an atomic pointer so a reloaded
// mapping file replaces whole tables without locking readers.
package gateway
