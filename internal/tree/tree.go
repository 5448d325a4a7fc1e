// Package tree provides the ordered configuration tree shared by the store,
// resolver, expander and builder.
//
// A tree is a *Map whose values are scalars (string, int64, float64, bool,
// nil), nested *Map values, or []any lists of the same. Key order is kept
// from the YAML source and from insertion, so printed configurations and job
// payloads are stable across runs.
package tree

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Map is an ordered mapping of string keys to configuration values.
// The zero value is not usable; call New.
type Map struct {
	keys   []string
	values map[string]any
}

// New returns an empty Map.
func New() *Map {
	return &Map{values: make(map[string]any)}
}

// Len returns the number of keys.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns a copy of the keys in order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key. New keys are appended; existing keys keep their position.
func (m *Map) Set(key string, v any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key if present.
func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Lookup walks path through nested maps.
func (m *Map) Lookup(path []string) (any, bool) {
	if len(path) == 0 {
		return m, true
	}
	var cur any = m
	for _, seg := range path {
		node, ok := cur.(*Map)
		if !ok {
			return nil, false
		}
		cur, ok = node.values[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath stores v at path, creating intermediate maps as needed.
// It returns false when an intermediate value exists but is not a map.
func (m *Map) SetPath(path []string, v any) bool {
	if len(path) == 0 {
		return false
	}
	node := m
	for _, seg := range path[:len(path)-1] {
		next, ok := node.values[seg]
		if !ok || next == nil {
			child := New()
			node.Set(seg, child)
			node = child
			continue
		}
		child, ok := next.(*Map)
		if !ok {
			return false
		}
		node = child
	}
	node.Set(path[len(path)-1], v)
	return true
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]any, len(m.values)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a configuration value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge deep-merges overlay onto base in place. Nested maps merge key by
// key; any other overlay value replaces the base value.
func Merge(base, overlay *Map) {
	if overlay == nil {
		return
	}
	for _, k := range overlay.keys {
		ov := overlay.values[k]
		if om, ok := ov.(*Map); ok {
			if bm, ok := base.values[k].(*Map); ok {
				Merge(bm, om)
				continue
			}
		}
		base.Set(k, CloneValue(ov))
	}
}

// Equal reports whether a and b hold the same keys in the same order with
// equal values. Scalars must match in type as well as value.
func Equal(a, b *Map) bool {
	return equalValue(a, b)
}

func equalValue(a, b any) bool {
	switch x := a.(type) {
	case *Map:
		y, ok := b.(*Map)
		if !ok {
			return false
		}
		if x == nil || y == nil {
			return x == y
		}
		if len(x.keys) != len(y.keys) {
			return false
		}
		for i, k := range x.keys {
			if y.keys[i] != k || !equalValue(x.values[k], y.values[k]) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValue(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	default:
		return a == b
	}
}

// Walk calls fn for every leaf value in depth-first order. The path passed
// to fn uses "[i]" segments for list indices. set replaces the leaf in place.
func (m *Map) Walk(fn func(path []string, v any, set func(any))) {
	walkMap(m, nil, fn)
}

func walkMap(m *Map, prefix []string, fn func([]string, any, func(any))) {
	for _, k := range m.keys {
		key := k
		p := appendPath(prefix, key)
		walkValue(m.values[key], p, func(nv any) { m.values[key] = nv }, fn)
	}
}

func walkValue(v any, path []string, set func(any), fn func([]string, any, func(any))) {
	switch t := v.(type) {
	case *Map:
		walkMap(t, path, fn)
	case []any:
		for i := range t {
			idx := i
			walkValue(t[idx], appendPath(path, fmt.Sprintf("[%d]", idx)), func(nv any) { t[idx] = nv }, fn)
		}
	default:
		fn(path, v, set)
	}
}

func appendPath(prefix []string, seg string) []string {
	out := make([]string, len(prefix), len(prefix)+1)
	copy(out, prefix)
	return append(out, seg)
}

// JoinPath renders a key path in dotted form, attaching list indices
// directly to the preceding key.
func JoinPath(path []string) string {
	var b strings.Builder
	for i, seg := range path {
		if i > 0 && !strings.HasPrefix(seg, "[") {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

// SplitPath splits a dotted key path.
func SplitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// FormatScalar renders a scalar the way it is printed in YAML. Floats always
// carry a decimal point so they read back as floats.
func FormatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return formatFloat(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	case math.IsNaN(f):
		return ".nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// IsScalar reports whether v is a leaf scalar value.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int64, float64:
		return true
	default:
		return false
	}
}
