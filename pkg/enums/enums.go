// Package enums resolves enum-table defaults. A process-wide source is
// registered once at startup; schema defaults declared as enum lookups
// resolve through it.
package enums

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var errSourceNotConfigured = errors.New("enums: source not configured")

type Source interface {
	Lookup(enum string, key string) (any, bool)
}

var registry = struct {
	mu sync.RWMutex
	s  Source
}{}

func RegisterSource(s Source) error {
	if s == nil {
		return errors.New("enums: source is nil")
	}
	v := reflect.ValueOf(s)
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface || v.Kind() == reflect.Slice || v.Kind() == reflect.Map || v.Kind() == reflect.Func || v.Kind() == reflect.Chan) && v.IsNil() {
		return errors.New("enums: source is nil")
	}
	registry.mu.Lock()
	registry.s = s
	registry.mu.Unlock()
	return nil
}

// Lookup resolves enum/key through the registered source. The second return
// is false when the enum or key is unknown; the error fires only when no
// source has been registered.
func Lookup(enum string, key string) (any, bool, error) {
	source, err := currentSource()
	if err != nil {
		return nil, false, err
	}
	v, ok := source.Lookup(strings.TrimSpace(enum), strings.TrimSpace(key))
	return v, ok, nil
}

func currentSource() (Source, error) {
	registry.mu.RLock()
	s := registry.s
	registry.mu.RUnlock()
	if s == nil {
		return nil, errSourceNotConfigured
	}
	return s, nil
}

// StaticSource is an immutable enum table set, usually loaded from YAML.
type StaticSource map[string]map[string]any

func (s StaticSource) Lookup(enum string, key string) (any, bool) {
	table, ok := s[enum]
	if !ok {
		return nil, false
	}
	v, ok := table[key]
	return v, ok
}

type enumsFile struct {
	Version int                       `yaml:"version"`
	Enums   map[string]map[string]any `yaml:"enums"`
}

func ParseYAML(b []byte) (StaticSource, error) {
	var f enumsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("enums: parse: %w", err)
	}
	if f.Version != 1 {
		return nil, errors.New("enums: unsupported version")
	}
	if len(f.Enums) == 0 {
		return nil, errors.New("enums: empty")
	}
	return StaticSource(f.Enums), nil
}

func Load(path string) (StaticSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(b)
}
