// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/sockgate/pkg/breaker"
	"github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/gateway"
	"github.com/absmach/sockgate/pkg/health"
	"github.com/absmach/sockgate/pkg/proxy"
	"github.com/absmach/sockgate/pkg/ratelimit"
	"github.com/absmach/sockgate/pkg/server"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
	"golang.org/x/sync/errgroup"
)

// ErrNoService is returned by Run when no service could be started.
var ErrNoService = stderrors.New("no service could be started")

var errDuplicate = fmt.Errorf("%w: duplicate service", errors.ErrConfiguration)

// Config configures an Orchestrator.
type Config struct {
	// File holds the service definitions.
	File *File

	// Workers is used for services that do not set their own.
	Workers int64

	// ShutdownTimeout is used for services that do not set their own.
	ShutdownTimeout time.Duration

	// Host replaces the Host header of forwarded HTTP requests.
	Host string

	// Watch reloads route tables when a mapping file changes.
	Watch bool

	// Health receives the state of every service. Optional.
	Health *health.Registry

	// Observer is notified of session events of every service.
	Observer session.Observer

	// OnAcceptError is called for every failed Accept.
	OnAcceptError func(service string, err error)

	// OnReject is called for every connection refused by a rate limit.
	OnReject func(service string, peer socket.Address)

	// OnBreakerChange is called on every target breaker transition.
	OnBreakerChange func(service string, from, to breaker.State)

	// Dial overrides how targets are dialed. Used by tests.
	Dial socket.DialFunc

	Logger *slog.Logger
}

// Orchestrator runs every configured service concurrently.
type Orchestrator struct {
	config Config

	mu      sync.Mutex
	routers map[string]*gateway.Router
	addrs   map[string]socket.Address
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = health.NewRegistry()
	}
	if cfg.File == nil {
		cfg.File = &File{}
	}

	return &Orchestrator{
		config:  cfg,
		routers: make(map[string]*gateway.Router),
		addrs:   make(map[string]socket.Address),
	}
}

// Health returns the registry service states are reported to.
func (o *Orchestrator) Health() *health.Registry {
	return o.config.Health
}

// Addr returns the bound address of a running service.
func (o *Orchestrator) Addr(name string) (socket.Address, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.addrs[name]
	return a, ok
}

type unit struct {
	name    string
	srv     *server.Server
	ln      *socket.Listener
	handler proxy.Handler
}

// Run starts every service and blocks until ctx is canceled and all of them
// have drained. A service that fails to compile or bind is marked failed
// and the rest still run. Run returns ErrNoService when none started.
func (o *Orchestrator) Run(ctx context.Context) error {
	f := o.config.File
	logger := o.config.Logger

	shared, sharedErr := f.sharedMappings()
	if sharedErr != nil {
		logger.Error("failed to load shared mapping file",
			slog.String("path", resolvePath(f.Dir, f.URIMapping)),
			slog.String("error", sharedErr.Error()))
	}

	var (
		units []unit
		errs  []error
		seen  = make(map[string]bool)
	)

	for _, d := range f.Service {
		u, err := o.prepare(ctx, d, shared, sharedErr, seen)
		if err != nil {
			name := d.Name
			if name == "" {
				name = "<unnamed>"
			}
			// a duplicate must not overwrite the state of the first definition
			if !errors.Is(err, errDuplicate) {
				o.config.Health.Set(name, health.StateFailed, err)
			}
			logger.Error("service not started",
				slog.String("service", name),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		units = append(units, u)
	}

	if len(units) == 0 {
		errs = append([]error{ErrNoService}, errs...)
		return joinErrors(errs)
	}

	g := new(errgroup.Group)
	for _, u := range units {
		g.Go(func() error {
			return o.serve(ctx, u)
		})
	}

	if o.config.Watch {
		for _, path := range f.mappingFiles() {
			g.Go(func() error {
				return gateway.Watch(ctx, gateway.WatchConfig{
					Path:   path,
					Reload: o.ReloadMappings,
					Logger: logger,
				})
			})
		}
	}

	return g.Wait()
}

func (o *Orchestrator) prepare(ctx context.Context, d Definition, shared []gateway.URIMapping, sharedErr error, seen map[string]bool) (unit, error) {
	if seen[d.Name] {
		return unit{}, fmt.Errorf("%w %q", errDuplicate, d.Name)
	}
	seen[d.Name] = true

	svc, err := d.Compile()
	if err != nil {
		return unit{}, err
	}
	o.config.Health.Set(svc.Name, health.StateStarting, nil)

	var router *gateway.Router
	if svc.Protocol == session.HTTP {
		if sharedErr != nil {
			return unit{}, fmt.Errorf("service %q: %w", svc.Name, sharedErr)
		}
		table, err := o.config.File.table(d, shared)
		if err != nil {
			return unit{}, err
		}
		router = gateway.NewRouter(table)
	} else if !d.URIMapping.IsZero() {
		o.config.Logger.Warn("uri_mapping ignored for tcp service", slog.String("service", svc.Name))
	}

	dial := o.config.Dial
	if dial == nil {
		dial = socket.DialAddress
	}
	if svc.Breaker != nil {
		cfg := *svc.Breaker
		cfg.OnStateChange = o.breakerHook(svc.Name)
		dial = breaker.New(cfg).Dialer(dial)
	}

	handler, err := proxy.New(proxy.Config{
		Service:  svc.Name,
		Protocol: svc.Protocol,
		Target:   svc.Target,
		Timeout:  svc.Timeout,
		Headers:  svc.Header,
		Host:     o.config.Host,
		HTTP2:    svc.HTTP2,
		Router:   router,
		Dial:     dial,
		Observer: o.config.Observer,
		Logger:   o.config.Logger,
	})
	if err != nil {
		return unit{}, err
	}

	ln, err := socket.ListenAddress(ctx, svc.Listen)
	if err != nil {
		handler.Close()
		return unit{}, errors.New("bind", svc.Name, "", svc.Listen.String(), err)
	}

	workers := svc.Workers
	if workers == 0 {
		workers = o.config.Workers
	}
	shutdown := svc.ShutdownTimeout
	if shutdown == 0 {
		shutdown = o.config.ShutdownTimeout
	}

	cfg := server.Config{
		Name:            svc.Name,
		Address:         svc.Listen.String(),
		Workers:         workers,
		ShutdownTimeout: shutdown,
		OnAcceptError:   o.acceptErrorHook(svc.Name),
		Logger:          o.config.Logger,
	}
	if svc.RateLimit != nil {
		cfg.Limiter = ratelimit.New(*svc.RateLimit)
		if o.config.OnReject != nil {
			cfg.OnReject = func(peer socket.Address) {
				o.config.OnReject(svc.Name, peer)
			}
		}
	}
	srv := server.New(cfg, handler)

	o.mu.Lock()
	o.addrs[svc.Name] = ln.Addr()
	if router != nil {
		o.routers[svc.Name] = router
	}
	o.mu.Unlock()

	return unit{name: svc.Name, srv: srv, ln: ln, handler: handler}, nil
}

func (o *Orchestrator) acceptErrorHook(name string) func(error) {
	if o.config.OnAcceptError == nil {
		return nil
	}
	return func(err error) {
		o.config.OnAcceptError(name, err)
	}
}

func (o *Orchestrator) breakerHook(name string) func(from, to breaker.State) {
	return func(from, to breaker.State) {
		o.config.Logger.Warn("target breaker state changed",
			slog.String("service", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if o.config.OnBreakerChange != nil {
			o.config.OnBreakerChange(name, from, to)
		}
	}
}

func (o *Orchestrator) serve(ctx context.Context, u unit) error {
	o.config.Health.Set(u.name, health.StateServing, nil)
	o.config.Logger.Info("service started",
		slog.String("service", u.name),
		slog.String("address", u.ln.Addr().String()))

	err := u.srv.Serve(ctx, u.ln)
	u.handler.Close()

	if err != nil {
		o.config.Health.Set(u.name, health.StateStopped, err)
		o.config.Logger.Warn("service stopped with error",
			slog.String("service", u.name),
			slog.String("error", err.Error()))
		return err
	}
	o.config.Health.Set(u.name, health.StateStopped, nil)
	o.config.Logger.Info("service stopped", slog.String("service", u.name))
	return nil
}

// ReloadMappings rebuilds the route table of every running HTTP service
// from the current mapping files. Services whose new table fails to compile
// keep their old one.
func (o *Orchestrator) ReloadMappings() error {
	f := o.config.File
	shared, err := f.sharedMappings()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	seen := make(map[string]bool)
	for _, d := range f.Service {
		// later definitions with the same name were skipped by Run
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true

		router, ok := o.routers[d.Name]
		if !ok {
			continue
		}
		table, err := f.table(d, shared)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		router.Store(table)
		o.config.Logger.Info("route table reloaded",
			slog.String("service", d.Name),
			slog.Int("routes", table.Len()))
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	return stderrors.Join(errs...)
}
