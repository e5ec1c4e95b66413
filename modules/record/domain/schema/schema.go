package schema

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casegate/casegate/pkg/policy"
)

// Element is one field's declaration in an entity config file. Input defaults
// to true unless explicitly false. An owner element's JoinField names the
// stored attribute holding the owning identity id and defaults to the element's
// own field name.
type Element struct {
	Field          string `yaml:"field"`
	Input          *bool  `yaml:"input"`
	Owner          bool   `yaml:"owner"`
	JoinField      string `yaml:"join_field"`
	State          bool   `yaml:"state"`
	Relation       bool   `yaml:"relation"`
	RelationEntity string `yaml:"relation_entity"`
	Filterable     bool   `yaml:"filterable"`
	FilterMultiple bool   `yaml:"filter_multiple"`
	Sortable       bool   `yaml:"sortable"`
	Default        any    `yaml:"default"`
	DefaultEnum    string `yaml:"default_enum"`
	DefaultEnumKey string `yaml:"default_enum_key"`
}

// InputEnabled reports whether the element accepts caller input (update path).
func (e Element) InputEnabled() bool {
	return e.Input == nil || *e.Input
}

// File is the on-disk shape of one entity config.
type File struct {
	Version    int               `yaml:"version"`
	Entity     string            `yaml:"entity"`
	Input      *bool             `yaml:"input"`
	ProcessKey string            `yaml:"process_key"`
	Elements   []Element         `yaml:"elements"`
	Rules      []policy.RuleSpec `yaml:"rules"`
}

// reservedFields are fixed record attributes and output-shape keys an element
// may not redeclare.
var reservedFields = map[string]bool{
	"id":               true,
	"created":          true,
	"updated":          true,
	"tasks":            true,
	"restrictedFields": true,
}

// Schema is the immutable, classified view of one entity's elements, built
// once at load time. Policy decisions can only narrow the two ceilings it
// derives, never widen them.
type Schema struct {
	entity     string
	input      bool
	processKey string
	elements   []Element

	readFields  map[string]bool
	inputFields map[string]bool
	relations   map[string]string
	ownerJoins  []string
	stateFields map[string]bool
	filterable  map[string]bool
	sortable    map[string]bool
}

func ParseFileYAML(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, err
	}
	if f.Version != 1 {
		return File{}, errors.New("schema: unsupported version")
	}
	return f, nil
}

func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return ParseFileYAML(b)
}

// Build validates the file and derives the classification maps.
func Build(f File) (*Schema, error) {
	entity := strings.ToLower(strings.TrimSpace(f.Entity))
	if entity == "" {
		return nil, errors.New("schema: entity is required")
	}
	if len(f.Elements) == 0 {
		return nil, fmt.Errorf("schema: entity %q: at least one element is required", entity)
	}

	s := &Schema{
		entity:      entity,
		input:       f.Input == nil || *f.Input,
		processKey:  strings.TrimSpace(f.ProcessKey),
		elements:    make([]Element, 0, len(f.Elements)),
		readFields:  make(map[string]bool, len(f.Elements)),
		inputFields: make(map[string]bool, len(f.Elements)),
		relations:   map[string]string{},
		stateFields: map[string]bool{},
		filterable:  map[string]bool{},
		sortable:    map[string]bool{},
	}

	joinSeen := map[string]bool{}
	for i, el := range f.Elements {
		el.Field = strings.TrimSpace(el.Field)
		el.JoinField = strings.TrimSpace(el.JoinField)
		el.RelationEntity = strings.ToLower(strings.TrimSpace(el.RelationEntity))
		el.DefaultEnum = strings.TrimSpace(el.DefaultEnum)
		el.DefaultEnumKey = strings.TrimSpace(el.DefaultEnumKey)

		if el.Field == "" {
			return nil, fmt.Errorf("schema: entity %q: element %d: field is required", entity, i+1)
		}
		if reservedFields[el.Field] {
			return nil, fmt.Errorf("schema: entity %q: element %q: field name is reserved", entity, el.Field)
		}
		if s.readFields[el.Field] {
			return nil, fmt.Errorf("schema: entity %q: element %q: duplicate field", entity, el.Field)
		}
		if el.Relation {
			if el.RelationEntity == "" {
				return nil, fmt.Errorf("schema: entity %q: element %q: relation requires relation_entity", entity, el.Field)
			}
			if el.Filterable || el.FilterMultiple || el.Sortable {
				return nil, fmt.Errorf("schema: entity %q: element %q: relation excludes filterable/sortable", entity, el.Field)
			}
		}
		if !el.Owner && el.JoinField != "" {
			return nil, fmt.Errorf("schema: entity %q: element %q: join_field requires owner", entity, el.Field)
		}
		if el.FilterMultiple && !el.Filterable {
			return nil, fmt.Errorf("schema: entity %q: element %q: filter_multiple requires filterable", entity, el.Field)
		}
		if el.Default != nil && el.DefaultEnum != "" {
			return nil, fmt.Errorf("schema: entity %q: element %q: default and default_enum are mutually exclusive", entity, el.Field)
		}
		if (el.DefaultEnum == "") != (el.DefaultEnumKey == "") {
			return nil, fmt.Errorf("schema: entity %q: element %q: default_enum and default_enum_key go together", entity, el.Field)
		}

		s.readFields[el.Field] = true
		if el.InputEnabled() {
			s.inputFields[el.Field] = true
		}
		if el.Relation {
			s.relations[el.Field] = el.RelationEntity
		}
		if el.Owner {
			join := el.JoinField
			if join == "" {
				join = el.Field
			}
			el.JoinField = join
			if !joinSeen[join] {
				joinSeen[join] = true
				s.ownerJoins = append(s.ownerJoins, join)
			}
		}
		if el.State {
			s.stateFields[el.Field] = true
		}
		if el.Filterable {
			s.filterable[el.Field] = el.FilterMultiple
		}
		if el.Sortable {
			s.sortable[el.Field] = true
		}
		s.elements = append(s.elements, el)
	}

	return s, nil
}

func (s *Schema) Entity() string     { return s.entity }
func (s *Schema) InputEnabled() bool { return s.input }
func (s *Schema) ProcessKey() string { return s.processKey }

// Elements returns a copy of the declared elements in declaration order.
func (s *Schema) Elements() []Element {
	return append([]Element(nil), s.elements...)
}

// ReadAllowed is the read ceiling: every declared field, input flag aside.
func (s *Schema) ReadAllowed(field string) bool { return s.readFields[field] }

// InputAllowed is the input ceiling: declared fields not marked input: false.
func (s *Schema) InputAllowed(field string) bool { return s.inputFields[field] }

// Relation resolves a relation field to its target entity.
func (s *Schema) Relation(field string) (string, bool) {
	entity, ok := s.relations[field]
	return entity, ok
}

// RelationFields filters the given field names down to declared relations.
func (s *Schema) RelationFields(fields []string) []string {
	var out []string
	for _, f := range fields {
		if _, ok := s.relations[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// OwnerJoinFields returns the stored attribute names that hold owning identity
// ids, one per owner element, deduplicated in declaration order.
func (s *Schema) OwnerJoinFields() []string {
	return append([]string(nil), s.ownerJoins...)
}

func (s *Schema) HasOwnerFields() bool { return len(s.ownerJoins) > 0 }

func (s *Schema) IsStateField(field string) bool { return s.stateFields[field] }

// Filterable reports whether the field takes listing filters and whether it
// accepts multiple values.
func (s *Schema) Filterable(field string) (multiple bool, ok bool) {
	multiple, ok = s.filterable[field]
	return multiple, ok
}

func (s *Schema) Sortable(field string) bool { return s.sortable[field] }
