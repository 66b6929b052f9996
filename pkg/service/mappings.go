// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/gateway"
	"gopkg.in/yaml.v3"
)

// LoadMappings reads a mapping file: a YAML or JSON list of mappings.
func LoadMappings(path string) ([]gateway.URIMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping file: %v", errors.ErrConfiguration, err)
	}

	var ms []gateway.URIMapping
	if err := yaml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("%w: mapping file %s: %v", errors.ErrConfiguration, path, err)
	}
	return ms, nil
}

// resolvePath makes path relative to dir unless it is absolute.
func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// mappingFiles returns every mapping file referenced by f, shared file first.
func (f *File) mappingFiles() []string {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = resolvePath(f.Dir, p)
		if p != "" && !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	add(f.URIMapping)
	for _, d := range f.Service {
		add(d.URIMapping.File)
	}
	return files
}

// routes assembles the mappings of d in evaluation order: inline, then
// d's own file, then the shared records addressed to d or to no service.
func (f *File) routes(d Definition, shared []gateway.URIMapping) ([]gateway.URIMapping, error) {
	out := append([]gateway.URIMapping(nil), d.URIMapping.List...)

	if d.URIMapping.File != "" {
		ms, err := LoadMappings(resolvePath(f.Dir, d.URIMapping.File))
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", d.Name, err)
		}
		out = append(out, ms...)
	}

	for _, m := range shared {
		if m.Service == "" || m.Service == d.Name {
			out = append(out, m)
		}
	}

	return out, nil
}

// sharedMappings loads the shared mapping file, if any.
func (f *File) sharedMappings() ([]gateway.URIMapping, error) {
	if f.URIMapping == "" {
		return nil, nil
	}
	return LoadMappings(resolvePath(f.Dir, f.URIMapping))
}

// Table builds the route table of d.
func (f *File) Table(d Definition) (*gateway.Table, error) {
	shared, err := f.sharedMappings()
	if err != nil {
		return nil, err
	}
	return f.table(d, shared)
}

func (f *File) table(d Definition, shared []gateway.URIMapping) (*gateway.Table, error) {
	ms, err := f.routes(d, shared)
	if err != nil {
		return nil, err
	}
	t, err := gateway.NewTable(ms)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", d.Name, err)
	}
	return t, nil
}

// Validate compiles every service and route table and returns all problems.
func (f *File) Validate() error {
	var errs []error

	if len(f.Service) == 0 {
		errs = append(errs, fmt.Errorf("%w: no services configured", errors.ErrConfiguration))
	}

	shared, err := f.sharedMappings()
	if err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool)
	for _, d := range f.Service {
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate service %q", errors.ErrConfiguration, d.Name))
		}
		names[d.Name] = true

		if _, err := d.Compile(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := f.table(d, shared); err != nil {
			errs = append(errs, err)
		}
	}

	return joinErrors(errs)
}
