// Package resolve composes store fragments and command-line overrides into a
// fully interpolated configuration tree.
package resolve

import (
	"fmt"

	"github.com/dyluth/lodge/internal/override"
	"github.com/dyluth/lodge/internal/store"
	"github.com/dyluth/lodge/internal/tree"
)

// RequiredKeys must hold non-null values in every resolved configuration.
var RequiredKeys = []string{"model", "task", "protocol"}

const defaultsKey = "defaults"

// Config is a fully merged and interpolated configuration tree.
type Config struct {
	Tree *tree.Map
}

// Lookup returns the value at a dotted key path.
func (c *Config) Lookup(key string) (any, bool) {
	return c.Tree.Lookup(tree.SplitPath(key))
}

// Resolution is the output of Resolve: the resolved configuration with
// every sweep axis pinned to its first value, and the complete override
// list carried forward for expansion.
type Resolution struct {
	Config    *Config
	Overrides []override.Override
}

// Axes returns the multi-valued overrides in command-line order.
func (r *Resolution) Axes() []override.Override {
	var axes []override.Override
	for _, o := range r.Overrides {
		if o.IsSweep() {
			axes = append(axes, o)
		}
	}
	return axes
}

// Resolver composes configurations from a store. It holds no mutable state.
type Resolver struct {
	store *store.Store
}

// New creates a resolver over s.
func New(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve validates every override (including all values of every sweep
// axis) and returns the configuration with axes pinned to their first value.
func (r *Resolver) Resolve(overrides []override.Override) (*Resolution, error) {
	if err := r.checkAxes(overrides); err != nil {
		return nil, err
	}

	pinned := make([]override.Override, len(overrides))
	for i, o := range overrides {
		pinned[i] = o.Pin(o.Values[0])
	}
	cfg, err := r.Compose(pinned)
	if err != nil {
		return nil, err
	}
	return &Resolution{Config: cfg, Overrides: overrides}, nil
}

// Compose builds one configuration from single-valued overrides. Any
// multi-valued override is treated as its first value.
func (r *Resolver) Compose(overrides []override.Override) (*Config, error) {
	root := r.store.Primary()
	defaults, err := parseDefaults(root)
	if err != nil {
		return nil, err
	}
	root.Delete(defaultsKey)

	selections, keyOverrides, err := r.partition(overrides, defaults)
	if err != nil {
		return nil, err
	}

	for _, sel := range selections {
		frag, ok := r.store.Get(sel.group, sel.name)
		if !ok {
			return nil, &UnknownConfigNameError{Group: sel.group, Name: sel.name, Available: r.store.Names(sel.group)}
		}
		body := frag.Body
		if existing, ok := root.Get(sel.group); ok {
			if m, ok := existing.(*tree.Map); ok {
				tree.Merge(body, m)
			}
		}
		root.Set(sel.group, body)
	}

	for _, o := range keyOverrides {
		if err := apply(root, o); err != nil {
			return nil, err
		}
	}

	if err := Interpolate(root); err != nil {
		return nil, err
	}

	cfg := &Config{Tree: root}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type selection struct {
	group string
	name  string
}

// partition splits overrides into ordered group selections (defaults
// first, then groups added on the command line) and key overrides.
func (r *Resolver) partition(overrides []override.Override, defaults []selection) ([]selection, []override.Override, error) {
	selections := append([]selection(nil), defaults...)
	declared := make(map[string]int, len(defaults))
	for i, d := range defaults {
		declared[d.group] = i
	}

	var keys []override.Override
	for _, o := range overrides {
		if len(o.Path) != 1 || !r.store.HasGroup(o.Path[0]) {
			keys = append(keys, o)
			continue
		}
		group := o.Path[0]
		name := o.Values[0].Text
		idx, isDeclared := declared[group]
		switch {
		case o.Addition && isDeclared:
			return nil, nil, &DuplicateAdditionError{Key: group}
		case !o.Addition && !isDeclared:
			return nil, nil, &UnknownConfigKeyError{
				Key:    group,
				Reason: fmt.Sprintf("group '%s' is not in the defaults list (use '+%s=%s' to add it)", group, group, name),
			}
		case o.Addition:
			declared[group] = len(selections)
			selections = append(selections, selection{group: group, name: name})
		default:
			selections[idx].name = name
		}
	}
	return selections, keys, nil
}

// checkAxes validates values that only appear in later sweep positions.
// A swept key may not be swept again or set again later on the command
// line, since every job would then share one value under distinct IDs.
func (r *Resolver) checkAxes(overrides []override.Override) error {
	seen := make(map[string]bool)
	for _, o := range overrides {
		key := o.Key()
		if !o.IsSweep() {
			if seen[key] {
				return &override.MalformedOverrideError{Token: o.Raw, Reason: fmt.Sprintf("'%s' is swept earlier and would have the same value in every job", key)}
			}
			continue
		}
		if seen[key] {
			return &override.MalformedOverrideError{Token: o.Raw, Reason: fmt.Sprintf("'%s' is swept more than once", key)}
		}
		seen[key] = true

		if len(o.Path) == 1 && r.store.HasGroup(o.Path[0]) {
			for _, v := range o.Values {
				if _, ok := r.store.Get(o.Path[0], v.Text); !ok {
					return &UnknownConfigNameError{Group: o.Path[0], Name: v.Text, Available: r.store.Names(o.Path[0])}
				}
			}
		}
	}
	return nil
}

func parseDefaults(root *tree.Map) ([]selection, error) {
	raw, ok := root.Get(defaultsKey)
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("invalid primary config: '%s' must be a list", defaultsKey)
	}
	out := make([]selection, 0, len(list))
	for i, item := range list {
		entry, ok := item.(*tree.Map)
		if !ok || entry.Len() != 1 {
			return nil, fmt.Errorf("invalid primary config: %s[%d] must be a single 'group: name' entry", defaultsKey, i)
		}
		group := entry.Keys()[0]
		v, _ := entry.Get(group)
		name, ok := v.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid primary config: %s[%d] must name a fragment for group '%s'", defaultsKey, i, group)
		}
		out = append(out, selection{group: group, name: name})
	}
	return out, nil
}

func apply(root *tree.Map, o override.Override) error {
	key := o.Key()
	existing, exists := root.Lookup(o.Path)
	if o.Addition && exists {
		return &DuplicateAdditionError{Key: key}
	}
	if !o.Addition && !exists {
		return &UnknownConfigKeyError{Key: key}
	}
	if !root.SetPath(o.Path, override.Coerce(o.Values[0], existing)) {
		return &UnknownConfigKeyError{Key: key, Reason: "a parent key holds a value that is not a mapping"}
	}
	return nil
}

// Validate checks that every required key holds a non-null value.
func Validate(cfg *Config) error {
	for _, key := range RequiredKeys {
		v, ok := cfg.Tree.Get(key)
		if !ok || v == nil {
			return &MissingRequiredKeyError{Key: key}
		}
	}
	return nil
}
