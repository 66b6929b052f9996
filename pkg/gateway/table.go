// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/absmach/sockgate/pkg/errors"
)

// Route is a URIMapping with its patterns compiled.
type Route struct {
	Mapping URIMapping

	source *Pattern
	target *Pattern
}

// CompileRoute validates m and compiles its patterns.
func CompileRoute(m URIMapping) (Route, error) {
	if m.URI == "" {
		return Route{}, fmt.Errorf("%w: uri mapping without uri", errors.ErrConfiguration)
	}
	if m.TargetURI == "" {
		return Route{}, fmt.Errorf("%w: uri mapping %q without target_uri", errors.ErrConfiguration, m.URI)
	}

	source, err := compilePattern(m.URI, m.variableRegex())
	if err != nil {
		return Route{}, err
	}
	target, err := compileTarget(m.TargetURI)
	if err != nil {
		return Route{}, err
	}

	return Route{Mapping: m, source: source, target: target}, nil
}

// Source returns the compiled source pattern.
func (r Route) Source() *Pattern {
	return r.source
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Mapping URIMapping
	Kind    MatchKind
	Path    string
}

// Table is an immutable, ordered list of routes.
type Table struct {
	routes []Route
}

// NewTable compiles mappings in order. Any invalid mapping fails the
// whole table.
func NewTable(mappings []URIMapping) (*Table, error) {
	t := &Table{routes: make([]Route, 0, len(mappings))}
	for i, m := range mappings {
		r, err := CompileRoute(m)
		if err != nil {
			return nil, fmt.Errorf("uri_mapping[%d]: %w", i, err)
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Routes returns a copy of the routes in evaluation order.
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Resolve returns the first route that accepts method, matches path and
// rewrites it. A route whose rewrite fails is skipped. ok is false when
// nothing resolves and the request should go to the default target as is.
func (t *Table) Resolve(method, path string) (res Resolution, ok bool) {
	if t == nil {
		return Resolution{}, false
	}
	for _, r := range t.routes {
		if !r.Mapping.Method.Accepts(method) {
			continue
		}
		kind, ok := r.source.Match(path)
		if !ok {
			continue
		}
		rewritten, err := Rewrite(r.source, r.target, kind, path)
		if err != nil {
			continue
		}
		return Resolution{Mapping: r.Mapping, Kind: kind, Path: rewritten}, true
	}
	return Resolution{}, false
}

// Router serves lookups from the current Table. Store replaces the table
// atomically; in-flight lookups finish on the table they started with.
type Router struct {
	table atomic.Pointer[Table]
}

// NewRouter returns a Router serving t. A nil t resolves nothing.
func NewRouter(t *Table) *Router {
	r := &Router{}
	r.table.Store(t)
	return r
}

// Load returns the current table.
func (r *Router) Load() *Table {
	return r.table.Load()
}

// Store replaces the current table.
func (r *Router) Store(t *Table) {
	r.table.Store(t)
}

// Resolve resolves against the current table.
func (r *Router) Resolve(method, path string) (Resolution, bool) {
	return r.table.Load().Resolve(method, path)
}
