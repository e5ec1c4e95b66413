// Package policy evaluates role/action rule tables. A table is built once per
// entity type from declarative rule specs and is immutable afterwards;
// evaluation is pure and never mutates the record it is handed.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

type Action string

const (
	ActionAccess  Action = "access"
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionCreate  Action = "create"
	ActionDestroy Action = "destroy"
	ActionTask    Action = "task"
)

func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAccess:
		return ActionAccess, true
	case ActionRead:
		return ActionRead, true
	case ActionWrite:
		return ActionWrite, true
	case ActionCreate:
		return ActionCreate, true
	case ActionDestroy:
		return ActionDestroy, true
	case ActionTask:
		return ActionTask, true
	default:
		return "", false
	}
}

const (
	RestrictionAll   = "all"
	RestrictionOwner = "owner"
)

// RuleSpec is one declarative rule as it appears in an entity config file.
// A nil Fields/Restrictions/Tasks list leaves that dimension unrestricted;
// an explicit empty list allows nothing in it.
type RuleSpec struct {
	Name         string   `yaml:"name"`
	Roles        []string `yaml:"roles"`
	Actions      []string `yaml:"actions"`
	Fields       []string `yaml:"fields"`
	Restrictions []string `yaml:"restrictions"`
	Tasks        []string `yaml:"tasks"`
	When         string   `yaml:"when"`
}

type rule struct {
	name         string
	roles        map[string]bool
	actions      map[Action]bool
	fields       []string
	restrictions []string
	tasks        []string
	program      cel.Program
}

type Table struct {
	rules []rule
}

var newConditionEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
}

var newConditionProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

// NewTable validates and compiles the specs. Conditions (`when`) compile
// eagerly against a `record` map variable and must evaluate to bool, so a
// broken rule fails at load time, not on the request path.
func NewTable(specs []RuleSpec) (*Table, error) {
	var env *cel.Env
	rules := make([]rule, 0, len(specs))
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		if len(spec.Roles) == 0 {
			return nil, fmt.Errorf("policy: rule %q: roles required", name)
		}
		if len(spec.Actions) == 0 {
			return nil, fmt.Errorf("policy: rule %q: actions required", name)
		}

		r := rule{
			name:    name,
			roles:   make(map[string]bool, len(spec.Roles)),
			actions: make(map[Action]bool, len(spec.Actions)),
		}
		for _, role := range spec.Roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				return nil, fmt.Errorf("policy: rule %q: empty role", name)
			}
			r.roles[role] = true
		}
		for _, raw := range spec.Actions {
			action, ok := ParseAction(raw)
			if !ok {
				return nil, fmt.Errorf("policy: rule %q: unknown action %q", name, raw)
			}
			r.actions[action] = true
		}
		if spec.Fields != nil {
			r.fields = append([]string(nil), spec.Fields...)
			if r.fields == nil {
				r.fields = []string{}
			}
		}
		if spec.Restrictions != nil {
			r.restrictions = append([]string(nil), spec.Restrictions...)
			if r.restrictions == nil {
				r.restrictions = []string{}
			}
		}
		if spec.Tasks != nil {
			r.tasks = append([]string(nil), spec.Tasks...)
			if r.tasks == nil {
				r.tasks = []string{}
			}
		}

		if when := strings.TrimSpace(spec.When); when != "" {
			if env == nil {
				e, err := newConditionEnv()
				if err != nil {
					return nil, fmt.Errorf("policy: cel env: %w", err)
				}
				env = e
			}
			ast, issues := env.Compile(when)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: rule %q: %w", name, issues.Err())
			}
			if ast.OutputType() != cel.BoolType {
				return nil, fmt.Errorf("policy: rule %q: condition must be boolean", name)
			}
			program, err := newConditionProgram(env, ast)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q: %w", name, err)
			}
			r.program = program
		}

		rules = append(rules, r)
	}
	return &Table{rules: rules}, nil
}

// Match is the merged decision of every rule matching one (targets, action)
// pair. Nil Fields/Restrictions/Tasks means unrestricted: any matching rule
// that omits the list opens that dimension entirely.
type Match struct {
	Allow        bool
	Fields       []string
	Restrictions []string
	Tasks        []string
	Rules        []string
}

func (m Match) FieldAllowed(key string) bool {
	if m.Fields == nil {
		return true
	}
	for _, f := range m.Fields {
		if f == key {
			return true
		}
	}
	return false
}

// RestrictionsSatisfied applies the shared restriction rule: an unrestricted
// match passes; otherwise the set must contain "all", or contain "owner"
// while the caller owns the instance.
func (m Match) RestrictionsSatisfied(owner bool) bool {
	if m.Restrictions == nil {
		return true
	}
	for _, r := range m.Restrictions {
		if r == RestrictionAll {
			return true
		}
		if r == RestrictionOwner && owner {
			return true
		}
	}
	return false
}

func (m Match) TaskAllowed(key string) bool {
	if m.Tasks == nil {
		return true
	}
	for _, t := range m.Tasks {
		if t == key {
			return true
		}
	}
	return false
}

// Evaluate merges every rule matching the target set and action. A rule with
// a condition is skipped when no record is supplied; a condition that fails
// to evaluate (for example, indexing a key the record lacks) surfaces as an
// error rather than being silently treated as non-matching.
func (t *Table) Evaluate(targets []string, action Action, record map[string]any) (Match, error) {
	targetSet := make(map[string]bool, len(targets))
	for _, target := range targets {
		targetSet[strings.ToLower(strings.TrimSpace(target))] = true
	}

	var match Match
	var fields, restrictions, tasks []string
	fieldsOpen, restrictionsOpen, tasksOpen := false, false, false

	for i := range t.rules {
		r := &t.rules[i]
		if !r.actions[action] {
			continue
		}
		if !rolesIntersect(r.roles, targetSet) {
			continue
		}
		if r.program != nil {
			if record == nil {
				continue
			}
			out, _, err := r.program.Eval(map[string]any{"record": record})
			if err != nil {
				return Match{}, fmt.Errorf("policy: rule %q: %w", r.name, err)
			}
			ok, isBool := out.Value().(bool)
			if !isBool {
				return Match{}, errors.New("policy: rule " + r.name + ": condition produced non-bool")
			}
			if !ok {
				continue
			}
		}

		match.Allow = true
		match.Rules = append(match.Rules, r.name)
		if r.fields == nil {
			fieldsOpen = true
		} else {
			fields = append(fields, r.fields...)
		}
		if r.restrictions == nil {
			restrictionsOpen = true
		} else {
			restrictions = append(restrictions, r.restrictions...)
		}
		if r.tasks == nil {
			tasksOpen = true
		} else {
			tasks = append(tasks, r.tasks...)
		}
	}

	if !match.Allow {
		return Match{}, nil
	}
	if !fieldsOpen {
		match.Fields = dedupSorted(fields)
	}
	if !restrictionsOpen {
		match.Restrictions = dedupSorted(restrictions)
	}
	if !tasksOpen {
		match.Tasks = dedupSorted(tasks)
	}
	return match, nil
}

func rolesIntersect(roles map[string]bool, targets map[string]bool) bool {
	for role := range roles {
		if targets[role] {
			return true
		}
	}
	return false
}

func dedupSorted(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
