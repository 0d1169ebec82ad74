package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Params holds the bound arguments for a query call: either a positional
// list (1-based placeholders) or a named map (named placeholders), never
// both. The zero value is an empty positional list.
type Params struct {
	list []Value
	obj  map[string]Value
}

// PositionalParams builds a Params from an ordered list of values.
func PositionalParams(vals ...Value) Params { return Params{list: vals} }

// NamedParams builds a Params from a name-to-value map.
func NamedParams(m map[string]Value) Params { return Params{obj: m} }

// IsNamed reports whether the params were bound by name rather than position.
func (p Params) IsNamed() bool { return p.obj != nil }

// List returns the positional values, or nil if the params are named.
func (p Params) List() []Value { return p.list }

// Map returns the named values, or nil if the params are positional.
func (p Params) Map() map[string]Value { return p.obj }

// MarshalJSON emits a JSON array for positional params or an object for
// named ones.
func (p Params) MarshalJSON() ([]byte, error) {
	if p.obj != nil {
		return json.Marshal(p.obj)
	}
	if p.list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.list)
}

// UnmarshalJSON accepts either a JSON array (positional) or object (named).
func (p *Params) UnmarshalJSON(data []byte) error {
	t := bytes.TrimSpace(data)
	switch {
	case len(t) == 0 || bytes.Equal(t, []byte("null")):
		*p = Params{}
	case t[0] == '[':
		var list []Value
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("rpc: unmarshal positional params: %w", err)
		}
		*p = Params{list: list}
	case t[0] == '{':
		var obj map[string]Value
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("rpc: unmarshal named params: %w", err)
		}
		*p = Params{obj: obj}
	default:
		return fmt.Errorf("rpc: params must be a JSON array or object, got %q", t)
	}
	return nil
}
