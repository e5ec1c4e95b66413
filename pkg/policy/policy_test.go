package policy

import (
	"strings"
	"testing"
)

func join(values []string) string { return strings.Join(values, ",") }

func mustTable(t *testing.T, specs []RuleSpec) *Table {
	t.Helper()
	table, err := NewTable(specs)
	if err != nil {
		t.Fatalf("NewTable err=%v", err)
	}
	return table
}

func TestParseAction(t *testing.T) {
	for _, raw := range []string{"access", " Read ", "WRITE", "create", "destroy", "task"} {
		if _, ok := ParseAction(raw); !ok {
			t.Fatalf("expected %q to parse", raw)
		}
	}
	if _, ok := ParseAction("delete"); ok {
		t.Fatal("expected unknown action to fail")
	}
}

func TestNewTableRejects(t *testing.T) {
	cases := []struct {
		name string
		spec RuleSpec
	}{
		{"missing_roles", RuleSpec{Actions: []string{"read"}}},
		{"missing_actions", RuleSpec{Roles: []string{"user"}}},
		{"empty_role", RuleSpec{Roles: []string{" "}, Actions: []string{"read"}}},
		{"unknown_action", RuleSpec{Roles: []string{"user"}, Actions: []string{"patch"}}},
		{"broken_condition", RuleSpec{Roles: []string{"user"}, Actions: []string{"read"}, When: `record.status ==`}},
		{"non_bool_condition", RuleSpec{Roles: []string{"user"}, Actions: []string{"read"}, When: `record.status`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTable([]RuleSpec{tc.spec}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	table := mustTable(t, []RuleSpec{
		{Roles: []string{"administrator"}, Actions: []string{"write"}},
	})

	m, err := table.Evaluate([]string{"anonymous", "user"}, ActionWrite, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m.Allow {
		t.Fatal("expected deny when no rule matches roles")
	}
	m, err = table.Evaluate([]string{"administrator"}, ActionRead, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m.Allow {
		t.Fatal("expected deny when no rule matches action")
	}
}

func TestEvaluateMergesMatchingRules(t *testing.T) {
	table := mustTable(t, []RuleSpec{
		{Name: "anon-read", Roles: []string{"anonymous"}, Actions: []string{"access", "read"}, Fields: []string{"title", "status"}, Restrictions: []string{"all"}},
		{Name: "owner-read", Roles: []string{"owner"}, Actions: []string{"read"}, Fields: []string{"severity", "title"}, Restrictions: []string{"owner"}},
		{Name: "admin-all", Roles: []string{"administrator"}, Actions: []string{"read"}},
	})

	m, err := table.Evaluate([]string{"anonymous", "user", "owner"}, ActionRead, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !m.Allow {
		t.Fatal("expected allow")
	}
	if join(m.Rules) != "anon-read,owner-read" {
		t.Fatalf("rules=%v", m.Rules)
	}
	if join(m.Fields) != "severity,status,title" {
		t.Fatalf("fields=%v", m.Fields)
	}
	if join(m.Restrictions) != "all,owner" {
		t.Fatalf("restrictions=%v", m.Restrictions)
	}
	if !m.FieldAllowed("severity") || m.FieldAllowed("secret") {
		t.Fatal("field membership wrong")
	}

	// A matching rule without a field list opens the dimension entirely.
	m, err = table.Evaluate([]string{"owner", "administrator"}, ActionRead, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m.Fields != nil {
		t.Fatalf("expected unrestricted fields, got %v", m.Fields)
	}
	if !m.FieldAllowed("anything") {
		t.Fatal("expected unrestricted field set to allow all")
	}
}

func TestEvaluateTargetNormalization(t *testing.T) {
	table := mustTable(t, []RuleSpec{
		{Roles: []string{"User"}, Actions: []string{"read"}},
	})
	m, err := table.Evaluate([]string{" USER "}, ActionRead, nil)
	if err != nil || !m.Allow {
		t.Fatalf("allow=%v err=%v", m.Allow, err)
	}
}

func TestRestrictionsSatisfied(t *testing.T) {
	cases := []struct {
		name         string
		restrictions []string
		owner        bool
		want         bool
	}{
		{"unrestricted", nil, false, true},
		{"all", []string{"all"}, false, true},
		{"owner_is_owner", []string{"owner"}, true, true},
		{"owner_not_owner", []string{"owner"}, false, false},
		{"both_not_owner", []string{"all", "owner"}, false, true},
		{"unknown_tag", []string{"department"}, true, false},
		{"empty", []string{}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Match{Allow: true, Restrictions: tc.restrictions}
			if got := m.RestrictionsSatisfied(tc.owner); got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestTaskAllowed(t *testing.T) {
	m := Match{Allow: true}
	if !m.TaskAllowed("review") {
		t.Fatal("nil task set should allow all")
	}
	m.Tasks = []string{"review"}
	if !m.TaskAllowed("review") || m.TaskAllowed("approve") {
		t.Fatal("task membership wrong")
	}
}

func TestEvaluateConditionalRules(t *testing.T) {
	table := mustTable(t, []RuleSpec{
		{Name: "open-write", Roles: []string{"owner"}, Actions: []string{"write"}, When: `record.status != "closed"`},
	})

	// Conditional rules never match without a record.
	m, err := table.Evaluate([]string{"owner"}, ActionWrite, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m.Allow {
		t.Fatal("expected deny without record")
	}

	m, err = table.Evaluate([]string{"owner"}, ActionWrite, map[string]any{"status": "open"})
	if err != nil || !m.Allow {
		t.Fatalf("allow=%v err=%v", m.Allow, err)
	}
	if join(m.Rules) != "open-write" {
		t.Fatalf("rules=%v", m.Rules)
	}

	m, err = table.Evaluate([]string{"owner"}, ActionWrite, map[string]any{"status": "closed"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m.Allow {
		t.Fatal("expected deny for closed record")
	}

	// Indexing a key the record lacks is an evaluation error, not a miss.
	if _, err := table.Evaluate([]string{"owner"}, ActionWrite, map[string]any{"title": "x"}); err == nil {
		t.Fatal("expected condition evaluation error")
	}
}

func TestEvaluateDefaultRuleNames(t *testing.T) {
	table := mustTable(t, []RuleSpec{
		{Roles: []string{"user"}, Actions: []string{"read"}},
		{Roles: []string{"user"}, Actions: []string{"read"}, Fields: []string{"title"}},
	})
	m, err := table.Evaluate([]string{"user"}, ActionRead, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if join(m.Rules) != "rule-1,rule-2" {
		t.Fatalf("rules=%v", m.Rules)
	}
	if m.Fields != nil {
		t.Fatalf("expected rule-1 to open fields, got %v", m.Fields)
	}
}
