// Package patch models the three states of a field in an update request:
// left untouched, cleared, or set to a value.
package patch

// State is the kind of change a Field carries.
type State int

const (
	Unset State = iota
	Clear
	Set
)

// Field is an optional string update. The zero value is Unset.
type Field struct {
	state State
	value string
}

// Value returns a Field that sets v. An empty v still means Set; use
// Cleared for an explicit clear.
func Value(v string) Field {
	return Field{state: Set, value: v}
}

// Cleared returns a Field that resets the column.
func Cleared() Field {
	return Field{state: Clear}
}

// FromPtr maps the wire convention onto a Field: nil is Unset, a pointer to
// "" is Clear, anything else is Set.
func FromPtr(p *string) Field {
	switch {
	case p == nil:
		return Field{}
	case *p == "":
		return Cleared()
	}
	return Value(*p)
}

// FromFlag maps a CLI flag onto a Field: an unchanged flag is Unset, an
// empty value is Clear.
func FromFlag(changed bool, v string) Field {
	if !changed {
		return Field{}
	}
	if v == "" {
		return Cleared()
	}
	return Value(v)
}

// State reports the kind of change.
func (f Field) State() State { return f.state }

// IsSet reports whether the field carries a value.
func (f Field) IsSet() bool { return f.state == Set }

// Touched reports whether the field is Set or Clear.
func (f Field) Touched() bool { return f.state != Unset }

// Resolve returns the column value to store: the value for Set, def for
// Clear. ok is false for Unset.
func (f Field) Resolve(def string) (v string, ok bool) {
	switch f.state {
	case Set:
		return f.value, true
	case Clear:
		return def, true
	}
	return "", false
}

// Apply resolves f into updates[column] when touched.
func (f Field) Apply(updates map[string]interface{}, column, def string) {
	if v, ok := f.Resolve(def); ok {
		updates[column] = v
	}
}
