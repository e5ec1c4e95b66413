package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/casegate/casegate/pkg/policy"
)

// Registry holds every loaded entity schema and its compiled policy table.
// Immutable after construction; safe for unsynchronized concurrent reads.
type Registry struct {
	schemas map[string]*Schema
	tables  map[string]*policy.Table
}

// NewRegistry builds a registry from in-memory files (tests, dev wiring).
func NewRegistry(files ...File) (*Registry, error) {
	r := &Registry{schemas: map[string]*Schema{}, tables: map[string]*policy.Table{}}
	for _, f := range files {
		if err := r.add(f); err != nil {
			return nil, err
		}
	}
	if len(r.schemas) == 0 {
		return nil, errors.New("schema: no entity configs")
	}
	return r, nil
}

// LoadDir reads every .yaml/.yml entity config in dir. Any invalid file,
// duplicate entity, or uncompilable rule fails the load; startup is the
// only place configuration errors are allowed to surface.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	r := &Registry{schemas: map[string]*Schema{}, tables: map[string]*policy.Table{}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("schema: %s: %w", name, err)
		}
		if err := r.add(f); err != nil {
			return nil, err
		}
	}
	if len(r.schemas) == 0 {
		return nil, fmt.Errorf("schema: no entity configs in %s", dir)
	}
	return r, nil
}

func (r *Registry) add(f File) error {
	s, err := Build(f)
	if err != nil {
		return err
	}
	if _, exists := r.schemas[s.Entity()]; exists {
		return fmt.Errorf("schema: duplicate entity %q", s.Entity())
	}
	table, err := policy.NewTable(f.Rules)
	if err != nil {
		return fmt.Errorf("schema: entity %q: %w", s.Entity(), err)
	}
	r.schemas[s.Entity()] = s
	r.tables[s.Entity()] = table
	return nil
}

func (r *Registry) Schema(entity string) (*Schema, bool) {
	s, ok := r.schemas[strings.ToLower(strings.TrimSpace(entity))]
	return s, ok
}

func (r *Registry) Table(entity string) (*policy.Table, bool) {
	t, ok := r.tables[strings.ToLower(strings.TrimSpace(entity))]
	return t, ok
}

// Entities lists the loaded entity names, sorted.
func (r *Registry) Entities() []string {
	out := make([]string, 0, len(r.schemas))
	for e := range r.schemas {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
