// Package override parses command-line configuration overrides.
//
// A token has the form `a.b.c=v`, `+a.b.c=v` or `a.b.c=v1,v2,v3`. The parser
// only splits tokens; value typing happens later in Coerce, against the
// value already present in the configuration tree.
package override

import (
	"fmt"
	"strings"
)

// Value is one raw override value as written on the command line.
type Value struct {
	Text   string  // Literal text with escapes removed
	Quoted bool    // Written inside quotes; never type-inferred
	List   bool    // Written as a bracketed list
	Items  []Value // List elements when List is set
}

// String renders the value the way it appears in job identifiers.
func (v Value) String() string {
	if !v.List {
		return v.Text
	}
	parts := make([]string, len(v.Items))
	for i, item := range v.Items {
		parts[i] = item.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Override is a parsed key-path assignment.
type Override struct {
	Path     []string
	Values   []Value
	Addition bool   // Set by a leading '+': the key must not exist yet
	Raw      string // Original token
}

// Key returns the dotted key path.
func (o Override) Key() string {
	return strings.Join(o.Path, ".")
}

// IsSweep reports whether the override carries more than one value.
func (o Override) IsSweep() bool {
	return len(o.Values) > 1
}

// Pin returns a copy of o with a single value.
func (o Override) Pin(v Value) Override {
	out := o
	out.Path = append([]string(nil), o.Path...)
	out.Values = []Value{v}
	return out
}

// MalformedOverrideError reports a token that cannot be parsed.
type MalformedOverrideError struct {
	Token  string
	Reason string
}

func (e *MalformedOverrideError) Error() string {
	return fmt.Sprintf("malformed override '%s': %s", e.Token, e.Reason)
}

// IsMalformed checks if an error is a MalformedOverrideError.
func IsMalformed(err error) bool {
	_, ok := err.(*MalformedOverrideError)
	return ok
}

// ParseAll parses tokens in order. The first malformed token aborts parsing.
func ParseAll(tokens []string) ([]Override, error) {
	out := make([]Override, 0, len(tokens))
	for _, tok := range tokens {
		o, err := Parse(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Parse parses a single override token.
func Parse(token string) (Override, error) {
	fail := func(reason string) (Override, error) {
		return Override{}, &MalformedOverrideError{Token: token, Reason: reason}
	}

	eq := indexUnescaped(token, '=')
	if eq < 0 {
		return fail("missing '='")
	}
	left, right := token[:eq], token[eq+1:]

	addition := strings.HasPrefix(left, "+")
	if addition {
		left = left[1:]
	}
	key := unescape(left)
	if key == "" {
		return fail("empty key path")
	}
	path := strings.Split(key, ".")
	for _, seg := range path {
		if seg == "" {
			return fail("empty segment in key path")
		}
	}

	values, err := splitValues(right)
	if err != nil {
		return fail(err.Error())
	}
	if len(values) == 0 {
		return fail("empty value list")
	}
	if len(values) > 1 {
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if v.String() == "" {
				return fail("empty value in sweep")
			}
			if seen[v.String()] {
				return fail(fmt.Sprintf("duplicate sweep value '%s'", v.String()))
			}
			seen[v.String()] = true
		}
	}

	return Override{Path: path, Values: values, Addition: addition, Raw: token}, nil
}

// indexUnescaped returns the index of the first c not preceded by a backslash.
func indexUnescaped(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case c:
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitValues splits the right-hand side on unescaped commas that are not
// inside quotes or brackets.
func splitValues(s string) ([]Value, error) {
	if s == "" {
		return nil, nil
	}
	parts, err := splitTop(s)
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(parts))
	for _, p := range parts {
		v, err := parseValue(p)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func splitTop(s string) ([]string, error) {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ']'")
			}
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '['")
	}
	return append(parts, s[start:]), nil
}

func parseValue(s string) (Value, error) {
	if n := len(s); n >= 2 && s[0] == '[' && s[n-1] == ']' {
		inner := s[1 : n-1]
		v := Value{List: true, Items: []Value{}}
		if strings.TrimSpace(inner) == "" {
			return v, nil
		}
		parts, err := splitTop(inner)
		if err != nil {
			return Value{}, err
		}
		for _, p := range parts {
			item, err := parseValue(strings.TrimSpace(p))
			if err != nil {
				return Value{}, err
			}
			v.Items = append(v.Items, item)
		}
		return v, nil
	}
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return Value{Text: unescape(s[1 : n-1]), Quoted: true}, nil
	}
	return Value{Text: unescape(s)}, nil
}
