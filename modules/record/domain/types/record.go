package types

import "time"

// Record is one stored instance of a schema entity. Fields is the open field
// map persisted as jsonb. Related carries eager-loaded relation targets keyed
// by the relation field name; it is never persisted.
type Record struct {
	ID      string
	Entity  string
	Created time.Time
	Updated time.Time
	Fields  map[string]any
	Related map[string]*Record
}

// Field returns the named field value. A nil Fields map reads as absent.
func (r *Record) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// SetField writes a field value, allocating the map on first use.
func (r *Record) SetField(name string, value any) {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[name] = value
}
