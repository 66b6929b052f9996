// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnyMethod accepts every request method.
const AnyMethod = "*"

// URIMapping is one route rule as it appears in configuration.
//
// Mode, Service, TargetProtocol and TargetService are metadata carried
// through unchanged; they do not affect matching.
type URIMapping struct {
	Method         Methods `yaml:"method,omitempty" json:"method,omitempty"`
	Mode           string  `yaml:"mode,omitempty" json:"mode,omitempty"`
	Service        string  `yaml:"service,omitempty" json:"service,omitempty"`
	TargetProtocol string  `yaml:"target_protocol,omitempty" json:"target_protocol,omitempty"`
	TargetService  string  `yaml:"target_service,omitempty" json:"target_service,omitempty"`
	TargetURI      string  `yaml:"target_uri,omitempty" json:"target_uri,omitempty"`
	URI            string  `yaml:"uri,omitempty" json:"uri,omitempty"`
	// VarPattern replaces DefaultVariableRegex for variables of this
	// mapping that carry no explicit regex.
	VarPattern string `yaml:"var_pattern,omitempty" json:"var_pattern,omitempty"`
}

// Match compiles the source pattern and classifies path against it.
// A mapping without a URI never matches. Use a Table to avoid compiling
// on every call.
func (m URIMapping) Match(path string) (MatchKind, bool) {
	if m.URI == "" {
		return 0, false
	}
	p, err := compilePattern(m.URI, m.variableRegex())
	if err != nil {
		return 0, false
	}
	return p.Match(path)
}

func (m URIMapping) variableRegex() string {
	if m.VarPattern != "" {
		return m.VarPattern
	}
	return DefaultVariableRegex
}

// Methods is a normalized set of HTTP methods: upper-case, sorted and
// without duplicates. An empty set accepts every method.
type Methods []string

// ParseMethods splits a comma or pipe delimited method list.
func ParseMethods(s string) Methods {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|'
	})

	var ms Methods
	for _, f := range fields {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f != "" {
			ms = append(ms, f)
		}
	}
	slices.Sort(ms)
	return slices.Compact(ms)
}

// Accepts reports whether method is in the set. Comparison is
// case-insensitive.
func (ms Methods) Accepts(method string) bool {
	if len(ms) == 0 {
		return true
	}
	for _, m := range ms {
		if m == AnyMethod || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (ms Methods) String() string {
	return strings.Join(ms, ",")
}

// UnmarshalYAML accepts either a delimited string or a list of strings.
func (ms *Methods) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*ms = ParseMethods(strings.Join(list, ","))
	default:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*ms = ParseMethods(s)
	}
	return nil
}

// MarshalYAML renders the set as a comma-joined string.
func (ms Methods) MarshalYAML() (any, error) {
	return ms.String(), nil
}
