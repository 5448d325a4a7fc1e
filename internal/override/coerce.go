package override

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	intPattern   = regexp.MustCompile(`^[-+]?[0-9]+$`)
	floatPattern = regexp.MustCompile(`^[-+]?([0-9]+\.[0-9]*|\.[0-9]+|[0-9]+)([eE][-+]?[0-9]+)?$`)
)

// Coerce converts a raw override value to a configuration value. When
// declared is non-nil its type is the schema for the conversion; otherwise
// the type is inferred from the literal shape.
func Coerce(v Value, declared any) any {
	if v.List {
		var elem any
		if list, ok := declared.([]any); ok && len(list) > 0 {
			elem = list[0]
		}
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = Coerce(item, elem)
		}
		return out
	}
	if v.Quoted {
		return v.Text
	}

	switch declared.(type) {
	case string:
		if isNull(v.Text) {
			return nil
		}
		return v.Text
	case float64:
		if f, err := strconv.ParseFloat(v.Text, 64); err == nil && floatPattern.MatchString(v.Text) {
			return f
		}
	case int64:
		if i, err := strconv.ParseInt(v.Text, 10, 64); err == nil {
			return i
		}
	case bool:
		if b, ok := parseBool(v.Text); ok {
			return b
		}
	}
	return Infer(v.Text)
}

// Infer types a literal by its shape: null, bool, int, float, else string.
func Infer(s string) any {
	if isNull(s) {
		return nil
	}
	if b, ok := parseBool(s); ok {
		return b
	}
	if intPattern.MatchString(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	if floatPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	switch strings.ToLower(s) {
	case "inf", "+inf", ".inf":
		f, _ := strconv.ParseFloat("+Inf", 64)
		return f
	case "-inf", "-.inf":
		f, _ := strconv.ParseFloat("-Inf", 64)
		return f
	}
	return s
}

func isNull(s string) bool {
	switch s {
	case "null", "Null", "NULL", "~":
		return true
	}
	return false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
