// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"strings"

	"github.com/absmach/sockgate/pkg/errors"
)

// Rewrite maps path, already classified as kind against source, onto
// target. It fails with errors.ErrRewrite when target names a variable
// that source does not capture.
func Rewrite(source, target *Pattern, kind MatchKind, path string) (string, error) {
	switch kind {
	case Exact:
		return target.raw, nil
	case Prefix:
		return strings.Replace(path, source.raw, target.raw, 1), nil
	case Variable, VariablePrefix:
	default:
		return "", fmt.Errorf("%w: unknown match kind %d", errors.ErrRewrite, kind)
	}

	values, end, ok := source.capture(path)
	if !ok {
		return "", fmt.Errorf("%w: %q does not match %q", errors.ErrRewrite, path, source.raw)
	}

	var b strings.Builder
	for _, pc := range target.pieces {
		if pc.varIdx < 0 {
			b.WriteString(pc.literal)
			continue
		}
		name := target.vars[pc.varIdx].Name
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%w: variable %q of %q is not captured by %q", errors.ErrRewrite, name, target.raw, source.raw)
		}
		b.WriteString(v)
	}

	base := b.String()
	rest := strings.TrimPrefix(path[end:], "/")
	if rest == "" {
		return base, nil
	}
	return strings.TrimSuffix(base, "/") + "/" + rest, nil
}

// RewritePath matches path against the source pattern and rewrites it onto
// the target pattern. ok is false when path does not match source.
func RewritePath(source, target, path string) (rewritten string, ok bool, err error) {
	src, err := CompilePattern(source)
	if err != nil {
		return "", false, err
	}
	dst, err := compileTarget(target)
	if err != nil {
		return "", false, err
	}
	kind, ok := src.Match(path)
	if !ok {
		return "", false, nil
	}
	rewritten, err = Rewrite(src, dst, kind, path)
	if err != nil {
		return "", false, err
	}
	return rewritten, true, nil
}

// compileTarget parses a target pattern. Targets only substitute values,
// so a variable may repeat and any regex it carries is ignored.
func compileTarget(raw string) (*Pattern, error) {
	pieces, vars, err := scan(raw, false)
	if err != nil {
		return nil, err
	}
	return &Pattern{raw: raw, pieces: pieces, vars: vars}, nil
}
