package resolve

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dyluth/lodge/internal/tree"
)

var refPattern = regexp.MustCompile(`\$\{([^${}]+)\}`)

type pending struct {
	key      string
	template string
	set      func(any)
}

// Interpolate substitutes ${path} references until none remain. Each pass
// resolves every string whose references all point at concrete scalars; a
// pass that makes no progress means the remaining references form a cycle.
func Interpolate(root *tree.Map) error {
	var todo []*pending
	root.Walk(func(path []string, v any, set func(any)) {
		s, ok := v.(string)
		if ok && refPattern.MatchString(s) {
			todo = append(todo, &pending{key: tree.JoinPath(path), template: s, set: set})
		}
	})

	for len(todo) > 0 {
		var next []*pending
		for _, p := range todo {
			value, ready, err := substitute(root, p)
			if err != nil {
				return err
			}
			if !ready {
				next = append(next, p)
				continue
			}
			p.set(value)
		}
		if len(next) == len(todo) {
			keys := make([]string, len(next))
			for i, p := range next {
				keys[i] = p.key
			}
			sort.Strings(keys)
			return &CyclicInterpolationError{Keys: keys}
		}
		todo = next
	}
	return nil
}

// substitute resolves p's template. ready is false while any referenced
// value still carries an unresolved reference.
func substitute(root *tree.Map, p *pending) (any, bool, error) {
	matches := refPattern.FindAllStringSubmatchIndex(p.template, -1)
	values := make([]any, len(matches))
	for i, m := range matches {
		ref := strings.TrimSpace(p.template[m[2]:m[3]])
		v, ok := root.Lookup(tree.SplitPath(ref))
		if !ok {
			return nil, false, &UnknownConfigKeyError{Key: ref, Reason: "referenced by '" + p.key + "'"}
		}
		if !tree.IsScalar(v) {
			return nil, false, &InterpolationTypeError{Key: p.key, Reference: ref}
		}
		if s, ok := v.(string); ok && refPattern.MatchString(s) {
			return nil, false, nil
		}
		values[i] = v
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(p.template) {
		return values[0], true, nil
	}

	var b strings.Builder
	last := 0
	for i, m := range matches {
		b.WriteString(p.template[last:m[0]])
		b.WriteString(tree.FormatScalar(values[i]))
		last = m[1]
	}
	b.WriteString(p.template[last:])
	return b.String(), true, nil
}
