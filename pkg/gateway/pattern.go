// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/absmach/sockgate/pkg/errors"
)

// DefaultVariableRegex matches a variable that carries no explicit regex.
// Dashes are included so UUID-like segments match.
const DefaultVariableRegex = `[\w-]+`

// MatchKind classifies how an inbound path relates to a pattern.
type MatchKind int

const (
	// Exact means the path equals the pattern.
	Exact MatchKind = iota + 1
	// Prefix means the path continues below a variable-free pattern.
	Prefix
	// Variable means every variable captured and the path ends there.
	Variable
	// VariablePrefix means every variable captured and more path follows.
	VariablePrefix
)

// String returns a string representation of the match kind.
func (k MatchKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	case Variable:
		return "variable"
	case VariablePrefix:
		return "variable_prefix"
	default:
		return "none"
	}
}

// URIVariable is one {name} or {name:regex} segment of a pattern.
type URIVariable struct {
	// Name is unique within its pattern.
	Name string
	// Regex is the explicit regex, empty when the pattern gave none.
	Regex string
	// Index is the 1-based position of the variable in the pattern.
	Index int

	expr    string
	matcher *regexp.Regexp
}

// Pattern returns the regex the variable captures with.
func (v URIVariable) Pattern() string {
	return v.expr
}

// Matches reports whether s is a complete value for the variable.
func (v URIVariable) Matches(s string) bool {
	return v.matcher.MatchString(s)
}

// Origin renders the variable as it is written in a pattern.
func (v URIVariable) Origin() string {
	if v.Regex == "" {
		return "{" + v.Name + "}"
	}
	return "{" + v.Name + ":" + v.Regex + "}"
}

// piece is either literal text or a reference to a variable.
type piece struct {
	literal string
	varIdx  int // index into Pattern.vars, -1 for literal pieces
}

// Pattern is a compiled route pattern.
type Pattern struct {
	raw    string
	pieces []piece
	vars   []URIVariable
	expr   *regexp.Regexp
}

// CompilePattern compiles raw using DefaultVariableRegex for variables
// without an explicit regex.
func CompilePattern(raw string) (*Pattern, error) {
	return compilePattern(raw, DefaultVariableRegex)
}

func compilePattern(raw, defaultRegex string) (*Pattern, error) {
	pieces, vars, err := scan(raw, true)
	if err != nil {
		return nil, err
	}

	p := &Pattern{raw: raw, pieces: pieces, vars: vars}
	if len(vars) == 0 {
		return p, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for _, pc := range pieces {
		if pc.varIdx < 0 {
			b.WriteString(regexp.QuoteMeta(pc.literal))
			continue
		}
		v := &p.vars[pc.varIdx]
		v.expr = v.Regex
		if v.expr == "" {
			v.expr = defaultRegex
		}
		m, err := regexp.Compile(`^(?:` + v.expr + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: variable %q: %v", errors.ErrConfiguration, raw, v.Name, err)
		}
		v.matcher = m
		fmt.Fprintf(&b, "(?P<%s>%s)", groupName(v.Index), v.expr)
	}
	b.WriteString(`/?.*$`)

	expr, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", errors.ErrConfiguration, raw, err)
	}
	p.expr = expr

	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(raw string) *Pattern {
	p, err := CompilePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text of the pattern.
func (p *Pattern) String() string {
	return p.raw
}

// Variables returns the variables in left-to-right order.
func (p *Pattern) Variables() []URIVariable {
	out := make([]URIVariable, len(p.vars))
	copy(out, p.vars)
	return out
}

// Variable looks a variable up by name.
func (p *Pattern) Variable(name string) (URIVariable, bool) {
	for _, v := range p.vars {
		if v.Name == name {
			return v, true
		}
	}
	return URIVariable{}, false
}

// Match classifies path against the pattern. ok is false when the path
// does not match at all.
func (p *Pattern) Match(path string) (kind MatchKind, ok bool) {
	if path == p.raw {
		return Exact, true
	}

	if len(p.vars) == 0 {
		if p.raw == "/" && len(path) > 1 {
			return Prefix, true
		}
		prefix := strings.TrimRight(p.raw, "/") + "/"
		if strings.HasPrefix(path, prefix) {
			return Prefix, true
		}
		return 0, false
	}

	_, end, ok := p.capture(path)
	if !ok {
		return 0, false
	}
	if end == len(path) || (end+1 == len(path) && strings.HasSuffix(path, "/")) {
		return Variable, true
	}
	return VariablePrefix, true
}

// capture returns the captured value of every variable keyed by name and
// the offset just past the last capture.
func (p *Pattern) capture(path string) (map[string]string, int, bool) {
	if p.expr == nil {
		return nil, 0, false
	}
	loc := p.expr.FindStringSubmatchIndex(path)
	if loc == nil {
		return nil, 0, false
	}

	values := make(map[string]string, len(p.vars))
	end := 0
	for _, v := range p.vars {
		g := p.expr.SubexpIndex(groupName(v.Index))
		start, stop := loc[2*g], loc[2*g+1]
		if start < 0 {
			return nil, 0, false
		}
		values[v.Name] = path[start:stop]
		if stop > end {
			end = stop
		}
	}

	return values, end, true
}

func groupName(index int) string {
	return "v" + strconv.Itoa(index)
}

// scan splits raw into literal pieces and /{name[:regex]} variables.
// Braces inside a regex must balance, so {id:[0-9]{3}} is one variable.
func scan(raw string, unique bool) ([]piece, []URIVariable, error) {
	var (
		pieces []piece
		vars   []URIVariable
		lit    strings.Builder
		seen   = make(map[string]bool)
	)

	for i := 0; i < len(raw); {
		if raw[i] != '{' || i == 0 || raw[i-1] != '/' {
			lit.WriteByte(raw[i])
			i++
			continue
		}

		depth, j := 0, i
		for ; j < len(raw); j++ {
			switch raw[j] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if j == len(raw) {
			return nil, nil, fmt.Errorf("%w: pattern %q: unclosed variable at offset %d", errors.ErrConfiguration, raw, i)
		}

		name, regex, _ := strings.Cut(raw[i+1:j], ":")
		if !validName(name) {
			return nil, nil, fmt.Errorf("%w: pattern %q: invalid variable name %q", errors.ErrConfiguration, raw, name)
		}
		if unique && seen[name] {
			return nil, nil, fmt.Errorf("%w: pattern %q: duplicate variable %q", errors.ErrConfiguration, raw, name)
		}
		seen[name] = true

		if lit.Len() > 0 {
			pieces = append(pieces, piece{literal: lit.String(), varIdx: -1})
			lit.Reset()
		}
		vars = append(vars, URIVariable{Name: name, Regex: regex, Index: len(vars) + 1})
		pieces = append(pieces, piece{varIdx: len(vars) - 1})
		i = j + 1
	}
	if lit.Len() > 0 {
		pieces = append(pieces, piece{literal: lit.String(), varIdx: -1})
	}

	return pieces, vars, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
