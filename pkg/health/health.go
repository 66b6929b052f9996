// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of one service.
type State string

const (
	StateStarting State = "starting"
	StateServing  State = "serving"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Status represents the overall health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Service is the reported state of one service.
type Service struct {
	Name    string    `json:"name"`
	State   State     `json:"state"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

// Registry tracks the state of every service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service

	// OnChange, when set before use, is called on every transition. from is
	// empty for a service seen for the first time.
	OnChange func(name string, from, to State)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Service),
	}
}

// Set records the state of a service. err, if not nil, is kept as the
// service message.
func (r *Registry) Set(name string, state State, err error) {
	r.mu.Lock()
	var from State
	svc, ok := r.services[name]
	if ok {
		from = svc.State
	} else {
		svc = &Service{Name: name}
		r.services[name] = svc
	}
	changed := !ok || from != state
	if changed {
		svc.Since = time.Now()
	}
	svc.State = state
	svc.Message = ""
	if err != nil {
		svc.Message = err.Error()
	}
	onChange := r.OnChange
	r.mu.Unlock()

	if changed && onChange != nil {
		onChange(name, from, state)
	}
}

// Get returns the state of one service.
func (r *Registry) Get(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return Service{}, false
	}
	return *svc, true
}

// Services returns every service sorted by name.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health returns the overall status: healthy when every service serves,
// degraded when some serve, unhealthy when none do.
func (r *Registry) Health() (Status, []Service) {
	services := r.Services()

	serving := 0
	for _, svc := range services {
		if svc.State == StateServing {
			serving++
		}
	}

	switch {
	case serving == 0:
		return StatusUnhealthy, services
	case serving < len(services):
		return StatusDegraded, services
	default:
		return StatusHealthy, services
	}
}

// Ready reports whether at least one service is serving and none is
// still starting.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serving := false
	for _, svc := range r.services {
		switch svc.State {
		case StateStarting:
			return false
		case StateServing:
			serving = true
		}
	}
	return serving
}

// HTTPHandler returns an HTTP handler for health checks.
func (r *Registry) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status, services := r.Health()

		response := map[string]any{
			"status":   status,
			"services": services,
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
func (r *Registry) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready := r.Ready()

		w.Header().Set("Content-Type", "application/json")
		if ready {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(map[string]bool{
			"ready": ready,
		})
	}
}

// Mux returns a ServeMux serving /health, /ready and /live.
func (r *Registry) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.HTTPHandler())
	mux.HandleFunc("/ready", r.ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
