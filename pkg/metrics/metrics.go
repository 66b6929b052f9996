// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for sockgate.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for sockgate.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	BytesTransferred   *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RouteMatches    *prometheus.CounterVec
	Upgrades        *prometheus.CounterVec

	// Target metrics
	DialErrors   *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	// Listener metrics
	AcceptErrors        *prometheus.CounterVec
	RejectedConnections *prometheus.CounterVec
	Services     *prometheus.GaugeVec
}

var _ session.Observer = (*Metrics)(nil)

// New registers every metric with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sockgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"service", "protocol"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"service", "protocol", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"service", "protocol"},
		),
		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes forwarded in stream mode",
			},
			[]string{"service", "direction"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests forwarded",
			},
			[]string{"service", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		RouteMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_matches_total",
				Help:      "Total number of requests by route match kind",
			},
			[]string{"service", "kind"},
		),
		Upgrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_upgrades_total",
				Help:      "Total number of requests upgraded to WebSocket tunnels",
			},
			[]string{"service"},
		),
		DialErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_errors_total",
				Help:      "Total number of failed target dials",
			},
			[]string{"service"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Target circuit breaker state (0 closed, 1 half open, 2 open)",
			},
			[]string{"service"},
		),
		RejectedConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_connections_total",
				Help:      "Total number of connections refused by the rate limit",
			},
			[]string{"service"},
		),
		AcceptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of transient accept failures",
			},
			[]string{"service"},
		),
		Services: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "services",
				Help:      "Number of configured services by state",
			},
			[]string{"state"},
		),
	}

	return m
}

// OnConnect tracks a new connection.
func (m *Metrics) OnConnect(_ context.Context, s *session.Session) error {
	m.ActiveConnections.WithLabelValues(s.Service, string(s.Protocol)).Inc()
	return nil
}

// OnDialError counts a failed dial.
func (m *Metrics) OnDialError(_ context.Context, s *session.Session, _ error) {
	m.DialErrors.WithLabelValues(s.Service).Inc()
}

// OnRequest tracks a forwarded request.
func (m *Metrics) OnRequest(_ context.Context, s *session.Session, r session.Request) {
	method := methodLabel(r.Method)
	m.RequestsTotal.WithLabelValues(s.Service, method, strconv.Itoa(r.Status)).Inc()
	m.RequestDuration.WithLabelValues(s.Service, method).Observe(r.Duration.Seconds())
	m.RouteMatches.WithLabelValues(s.Service, r.Route).Inc()
	if r.Upgraded {
		m.Upgrades.WithLabelValues(s.Service).Inc()
	}
}

// methodLabel bounds the method label to the standard methods.
func methodLabel(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return m
	default:
		return "other"
	}
}

// OnDisconnect closes out a connection.
func (m *Metrics) OnDisconnect(_ context.Context, s *session.Session, stats tunnel.Stats, err error) {
	protocol := string(s.Protocol)
	m.ActiveConnections.WithLabelValues(s.Service, protocol).Dec()
	m.ConnectionDuration.WithLabelValues(s.Service, protocol).Observe(time.Since(s.Started).Seconds())

	status := "success"
	switch {
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	m.TotalConnections.WithLabelValues(s.Service, protocol, status).Inc()

	if stats.Upstream > 0 {
		m.BytesTransferred.WithLabelValues(s.Service, "upstream").Add(float64(stats.Upstream))
	}
	if stats.Downstream > 0 {
		m.BytesTransferred.WithLabelValues(s.Service, "downstream").Add(float64(stats.Downstream))
	}
}

// ObserveAcceptError counts a transient accept failure.
func (m *Metrics) ObserveAcceptError(service string) {
	m.AcceptErrors.WithLabelValues(service).Inc()
}

// ObserveRejected counts a connection refused by the rate limit.
func (m *Metrics) ObserveRejected(service string) {
	m.RejectedConnections.WithLabelValues(service).Inc()
}

// ObserveBreakerState records the breaker state of a service target.
func (m *Metrics) ObserveBreakerState(service string, state int) {
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveServiceTransition moves one service between state gauges. An
// empty from means the service is new.
func (m *Metrics) ObserveServiceTransition(from, to string) {
	if from != "" {
		m.Services.WithLabelValues(from).Dec()
	}
	m.Services.WithLabelValues(to).Inc()
}
