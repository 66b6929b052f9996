// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"testing"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
)

func TestCompilePatternVariables(t *testing.T) {
	p := MustCompilePattern("/api/users/{id:[0-9]{1,3}}/records/{rid}")

	vars := p.Variables()
	if len(vars) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(vars))
	}
	if vars[0].Name != "id" || vars[0].Regex != "[0-9]{1,3}" || vars[0].Index != 1 {
		t.Errorf("unexpected first variable: %+v", vars[0])
	}
	if vars[1].Name != "rid" || vars[1].Regex != "" || vars[1].Index != 2 {
		t.Errorf("unexpected second variable: %+v", vars[1])
	}
	if vars[1].Pattern() != DefaultVariableRegex {
		t.Errorf("default regex = %q, want %q", vars[1].Pattern(), DefaultVariableRegex)
	}
	if vars[0].Origin() != "{id:[0-9]{1,3}}" {
		t.Errorf("Origin() = %q", vars[0].Origin())
	}
	if !vars[0].Matches("123") || vars[0].Matches("1234") {
		t.Errorf("variable matcher should accept exactly 1-3 digits")
	}

	var rid URIVariable
	rid, ok := p.Variable("rid")
	if !ok || rid != vars[1] {
		t.Errorf("Variable(rid) = %+v, %v", rid, ok)
	}
	if kind, ok := p.Match("/api/users/7/records/r-1"); !ok || kind != Variable {
		t.Errorf("Match() = %v, %v, want variable match", kind, ok)
	}
	if _, ok := p.Variable("missing"); ok {
		t.Errorf("did not expect to find variable missing")
	}
}

func TestCompilePatternErrors(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{name: "duplicate variable", pattern: "/a/{id}/b/{id}"},
		{name: "unclosed variable", pattern: "/a/{id"},
		{name: "empty name", pattern: "/a/{:[0-9]+}"},
		{name: "invalid name", pattern: "/a/{bad-name}"},
		{name: "invalid regex", pattern: "/a/{id:[0-9}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompilePattern(tt.pattern)
			if !errors.Is(err, gwerrors.ErrConfiguration) {
				t.Fatalf("CompilePattern(%q) error = %v, want configuration error", tt.pattern, err)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    MatchKind
		wantOK  bool
	}{
		{name: "exact literal", pattern: "/api/users", path: "/api/users", want: Exact, wantOK: true},
		{name: "exact root", pattern: "/", path: "/", want: Exact, wantOK: true},
		{name: "root prefix", pattern: "/", path: "/x", want: Prefix, wantOK: true},
		{name: "root prefix deep", pattern: "/", path: "/x/y/z", want: Prefix, wantOK: true},
		{name: "literal prefix", pattern: "/api", path: "/api/users", want: Prefix, wantOK: true},
		{name: "literal prefix with trailing slash pattern", pattern: "/api/", path: "/api/users", want: Prefix, wantOK: true},
		{name: "literal sibling is not prefix", pattern: "/api", path: "/apiv2", wantOK: false},
		{name: "literal mismatch", pattern: "/api", path: "/other", wantOK: false},
		{name: "variable", pattern: "/api/users/{id:[0-9]+}", path: "/api/users/123", want: Variable, wantOK: true},
		{name: "variable trailing slash", pattern: "/api/users/{id:[0-9]+}", path: "/api/users/123/", want: Variable, wantOK: true},
		{name: "variable regex mismatch", pattern: "/api/users/{id:[0-9]+}", path: "/api/users/abc", wantOK: false},
		{name: "variable prefix", pattern: "/api/users/{id:[0-9]+}", path: "/api/users/123/details", want: VariablePrefix, wantOK: true},
		{name: "mandatory trailing slash missing", pattern: "/api/users/{id:[0-9]+}/", path: "/api/users/123", wantOK: false},
		{name: "mandatory trailing slash present", pattern: "/api/users/{id:[0-9]+}/", path: "/api/users/123/", want: Variable, wantOK: true},
		{name: "default regex allows dashes", pattern: "/u/{id}", path: "/u/0b9a-77c1", want: Variable, wantOK: true},
		{name: "default regex stops at slash", pattern: "/u/{id}", path: "/u/a/b", want: VariablePrefix, wantOK: true},
		{name: "anchored at start", pattern: "/u/{id}", path: "/x/u/1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := MustCompilePattern(tt.pattern)
			got, ok := p.Match(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q, %q) ok = %v, want %v", tt.pattern, tt.path, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Match(%q, %q) = %s, want %s", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestMatchLiteralProperties(t *testing.T) {
	patterns := []string{"/a", "/a/b", "/api/v1/users", "/with.dot", "/x+y"}
	suffixes := []string{"x", "x/y", "123", "-"}

	for _, p := range patterns {
		compiled := MustCompilePattern(p)
		if kind, ok := compiled.Match(p); !ok || kind != Exact {
			t.Errorf("Match(%q, %q) = %s, %v, want exact", p, p, kind, ok)
		}
		for _, s := range suffixes {
			path := p + "/" + s
			if kind, ok := compiled.Match(path); !ok || kind != Prefix {
				t.Errorf("Match(%q, %q) = %s, %v, want prefix", p, path, kind, ok)
			}
		}
	}
}

func TestMappingMatch(t *testing.T) {
	if _, ok := (URIMapping{}).Match("/anything"); ok {
		t.Errorf("mapping without uri must never match")
	}

	m := URIMapping{URI: "/n/{id}", VarPattern: "[0-9]+"}
	if _, ok := m.Match("/n/abc"); ok {
		t.Errorf("var_pattern should replace the default variable regex")
	}
	if kind, ok := m.Match("/n/42"); !ok || kind != Variable {
		t.Errorf("Match(/n/42) = %s, %v, want variable", kind, ok)
	}
}

func TestMatchKindString(t *testing.T) {
	for kind, want := range map[MatchKind]string{
		Exact:          "exact",
		Prefix:         "prefix",
		Variable:       "variable",
		VariablePrefix: "variable_prefix",
		MatchKind(0):   "none",
	} {
		if got := kind.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
