// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker fails target dials fast while a service target is down.
//
// A Breaker counts consecutive dial failures. After MaxFailures it opens and
// every dial is refused with ErrOpen until ResetTimeout has passed. It then
// lets a single probe dial through: success closes the breaker, failure
// opens it again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/socket"
)

// ErrOpen is returned for dials refused by an open breaker. It is a
// connect error, so callers treat it like an unreachable target.
var ErrOpen = fmt.Errorf("%w: circuit breaker is open", gwerrors.ErrConnect)

// Defaults applied by New.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before a probe.
	ResetTimeout time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// Breaker guards dials to one target.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	return &Breaker{config: cfg, now: time.Now}
}

// Allow reports whether a dial may proceed. Every successful Allow must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to State
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return nil
}

// Record reports the outcome of an allowed dial.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from := b.state
	b.probing = false

	if err == nil {
		b.failures = 0
		b.state = StateClosed
	} else {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// release returns a probe slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Dialer wraps dial so that it is refused while the breaker is open and its
// outcomes are recorded. A dial canceled by its context is not counted as
// a target failure.
func (b *Breaker) Dialer(dial socket.DialFunc) socket.DialFunc {
	return func(ctx context.Context, addr socket.Address) (*socket.Conn, error) {
		if err := b.Allow(); err != nil {
			return nil, err
		}
		conn, err := dial(ctx, addr)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			b.release()
			return nil, err
		}
		b.Record(err)
		return conn, err
	}
}
