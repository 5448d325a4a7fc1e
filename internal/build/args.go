package build

import (
	"fmt"

	"github.com/dyluth/lodge/internal/tree"
)

// Args holds the arguments of one constructor call. Nested targets have
// already been built, so a value may be any constructed object as well as
// a configuration scalar, *tree.Map or []any.
type Args struct {
	target string
	keys   []string
	values map[string]any
}

// NewArgs creates an argument set for target. Intended for tests and for
// constructors that delegate to one another.
func NewArgs(target string, values map[string]any) *Args {
	a := &Args{target: target, values: make(map[string]any, len(values))}
	for k, v := range values {
		a.set(k, v)
	}
	return a
}

func (a *Args) set(key string, v any) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

// Target returns the dotted name being constructed.
func (a *Args) Target() string {
	return a.target
}

// Keys returns argument names in configuration order.
func (a *Args) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Has reports whether key is present, even with a null value.
func (a *Args) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Value returns the raw value of key.
func (a *Args) Value(key string) any {
	return a.values[key]
}

// IsNull reports whether key is absent or null.
func (a *Args) IsNull(key string) bool {
	v, ok := a.values[key]
	return !ok || v == nil
}

// Err returns a ConstructorArgumentError for key.
func (a *Args) Err(key, format string, args ...interface{}) error {
	return &ConstructorArgumentError{Target: a.target, Key: key, Reason: fmt.Sprintf(format, args...)}
}

func (a *Args) typeErr(key, want string) error {
	return a.Err(key, "expected %s, got %s", want, describe(a.values[key]))
}

// String returns a string argument, or def when absent or null.
func (a *Args) String(key, def string) (string, error) {
	if a.IsNull(key) {
		return def, nil
	}
	s, ok := a.values[key].(string)
	if !ok {
		return "", a.typeErr(key, "a string")
	}
	return s, nil
}

// Int returns an integer argument, or def when absent or null.
func (a *Args) Int(key string, def int64) (int64, error) {
	if a.IsNull(key) {
		return def, nil
	}
	i, ok := a.values[key].(int64)
	if !ok {
		return 0, a.typeErr(key, "an integer")
	}
	return i, nil
}

// OptionalInt returns nil when key is absent or null.
func (a *Args) OptionalInt(key string) (*int64, error) {
	if a.IsNull(key) {
		return nil, nil
	}
	i, err := a.Int(key, 0)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// Float returns a numeric argument as float64, or def when absent or null.
// Integers are accepted.
func (a *Args) Float(key string, def float64) (float64, error) {
	if a.IsNull(key) {
		return def, nil
	}
	switch v := a.values[key].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, a.typeErr(key, "a number")
	}
}

// Bool returns a boolean argument, or def when absent or null.
func (a *Args) Bool(key string, def bool) (bool, error) {
	if a.IsNull(key) {
		return def, nil
	}
	b, ok := a.values[key].(bool)
	if !ok {
		return false, a.typeErr(key, "a boolean")
	}
	return b, nil
}

// Strings returns a list of strings. A single string is accepted as a
// one-element list.
func (a *Args) Strings(key string) ([]string, error) {
	if a.IsNull(key) {
		return nil, nil
	}
	switch v := a.values[key].(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, a.Err(key, "element %d: expected a string, got %s", i, describe(item))
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, a.typeErr(key, "a list of strings")
	}
}

// Map returns a mapping argument, or an empty map when absent or null.
func (a *Args) Map(key string) (*tree.Map, error) {
	if a.IsNull(key) {
		return tree.New(), nil
	}
	m, ok := a.values[key].(*tree.Map)
	if !ok {
		return nil, a.typeErr(key, "a mapping")
	}
	return m, nil
}

// List returns a list argument.
func (a *Args) List(key string) ([]any, error) {
	if a.IsNull(key) {
		return nil, nil
	}
	l, ok := a.values[key].([]any)
	if !ok {
		return nil, a.typeErr(key, "a list")
	}
	return l, nil
}

// Rest returns the arguments not named in known, in configuration order.
// Variadic constructors use it to collect pass-through options.
func (a *Args) Rest(known ...string) *tree.Map {
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	out := tree.New()
	for _, k := range a.keys {
		if !skip[k] {
			out.Set(k, a.values[k])
		}
	}
	return out
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case int64:
		return "an integer"
	case float64:
		return "a float"
	case bool:
		return "a boolean"
	case *tree.Map:
		return "a mapping"
	case []any:
		return "a list"
	default:
		return fmt.Sprintf("%T", v)
	}
}
