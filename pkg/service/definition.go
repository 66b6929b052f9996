// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/sockgate/pkg/breaker"
	"github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/gateway"
	"github.com/absmach/sockgate/pkg/ratelimit"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
	"gopkg.in/yaml.v3"
)

// File is the configuration file.
type File struct {
	Service []Definition `yaml:"service"`

	// URIMapping is the path of the shared mapping file.
	URIMapping string `yaml:"uri_mapping,omitempty"`

	// Dir resolves relative paths. Load sets it to the file's directory.
	Dir string `yaml:"-"`
}

// Definition is one service as written in configuration.
type Definition struct {
	Name            string            `yaml:"name"`
	Listen          string            `yaml:"listen"`
	Target          string            `yaml:"target"`
	Protocol        string            `yaml:"protocol,omitempty"`
	Timeout         string            `yaml:"timeout,omitempty"`
	Header          map[string]string `yaml:"header,omitempty"`
	URIMapping      Mappings          `yaml:"uri_mapping,omitempty"`
	Workers         int64             `yaml:"workers,omitempty"`
	HTTP2           bool              `yaml:"http2,omitempty"`
	ShutdownTimeout string            `yaml:"shutdown_timeout,omitempty"`
	RateLimit       *RateLimit        `yaml:"rate_limit,omitempty"`
	Breaker         *Breaker          `yaml:"breaker,omitempty"`
}

// RateLimit bounds how fast each peer may open connections.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst,omitempty"`
}

// Breaker makes dials fail fast after repeated target failures.
type Breaker struct {
	MaxFailures  int    `yaml:"max_failures,omitempty"`
	ResetTimeout string `yaml:"reset_timeout,omitempty"`
}

// Mappings is either an inline list of mappings or the path of a mapping
// file.
type Mappings struct {
	List []gateway.URIMapping
	File string
}

// IsZero reports whether no mappings were configured.
func (m Mappings) IsZero() bool {
	return len(m.List) == 0 && m.File == ""
}

// UnmarshalYAML accepts a sequence of mappings or a file path.
func (m *Mappings) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&m.File)
	}
	return value.Decode(&m.List)
}

// MarshalYAML writes the path when set, the list otherwise.
func (m Mappings) MarshalYAML() (any, error) {
	if m.File != "" {
		return m.File, nil
	}
	return m.List, nil
}

// Load reads and decodes a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	f.Dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes a configuration document. YAML and JSON are both accepted.
// Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrConfiguration, err)
	}
	return &f, nil
}

// Service is a validated Definition.
type Service struct {
	Name            string
	Listen          socket.Address
	Target          socket.Address
	Protocol        session.Protocol
	Timeout         time.Duration
	ShutdownTimeout time.Duration
	Header          map[string]string
	Workers         int64
	HTTP2           bool
	RateLimit       *ratelimit.Config
	Breaker         *breaker.Config
}

// Compile validates d. Every problem is an errors.ErrConfiguration.
func (d Definition) Compile() (Service, error) {
	if d.Name == "" {
		return Service{}, fmt.Errorf("%w: service without name", errors.ErrConfiguration)
	}

	svc := Service{
		Name:    d.Name,
		Header:  d.Header,
		Workers: d.Workers,
		HTTP2:   d.HTTP2,
	}

	var err error
	if svc.Listen, err = socket.ParseAddress(d.Listen); err != nil {
		return Service{}, fmt.Errorf("service %q: listen: %w", d.Name, err)
	}
	if svc.Target, err = socket.ParseAddress(d.Target); err != nil {
		return Service{}, fmt.Errorf("service %q: target: %w", d.Name, err)
	}

	switch d.Protocol {
	case "", string(session.HTTP):
		svc.Protocol = session.HTTP
	case string(session.TCP):
		svc.Protocol = session.TCP
	default:
		return Service{}, fmt.Errorf("%w: service %q: unsupported protocol %q", errors.ErrConfiguration, d.Name, d.Protocol)
	}

	if svc.Timeout, err = parseDuration(d.Timeout); err != nil {
		return Service{}, fmt.Errorf("%w: service %q: timeout: %v", errors.ErrConfiguration, d.Name, err)
	}
	if svc.ShutdownTimeout, err = parseDuration(d.ShutdownTimeout); err != nil {
		return Service{}, fmt.Errorf("%w: service %q: shutdown_timeout: %v", errors.ErrConfiguration, d.Name, err)
	}
	if d.Workers < 0 {
		return Service{}, fmt.Errorf("%w: service %q: workers must not be negative", errors.ErrConfiguration, d.Name)
	}

	if rl := d.RateLimit; rl != nil {
		if rl.Rate <= 0 || rl.Burst < 0 {
			return Service{}, fmt.Errorf("%w: service %q: rate_limit needs a positive rate", errors.ErrConfiguration, d.Name)
		}
		svc.RateLimit = &ratelimit.Config{Rate: rl.Rate, Burst: rl.Burst}
	}

	if b := d.Breaker; b != nil {
		reset, err := parseDuration(b.ResetTimeout)
		if err != nil || b.MaxFailures < 0 {
			return Service{}, fmt.Errorf("%w: service %q: invalid breaker", errors.ErrConfiguration, d.Name)
		}
		svc.Breaker = &breaker.Config{MaxFailures: b.MaxFailures, ResetTimeout: reset}
	}

	return svc, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
