// Package build instantiates the object graph of a job from its resolved
// configuration tree.
//
// Any mapping carrying a _target_ key names a registered constructor; its
// other keys are the constructor's arguments. Nested targets are built
// before the mapping that holds them.
package build

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/tree"
)

// TargetKey names the constructor of a configuration subtree.
const TargetKey = "_target_"

// Preprocessor is implemented by preprocessors attached to a protocol.
type Preprocessor interface {
	PreprocessedKey() string
}

// Graph is the object graph of one job. It is owned by the run executing
// the job and never shared.
type Graph struct {
	Preprocessor any
	Protocol     any
	Augmentation any
	Task         any
	Model        any
	Trainer      any
}

// Builder instantiates configuration subtrees through a Registry.
type Builder struct {
	registry  *Registry
	protocols protocol.Source
}

// NewBuilder creates a builder. protocols resolves scalar protocol names
// and may be nil when every job builds its protocol from a _target_.
func NewBuilder(registry *Registry, protocols protocol.Source) *Builder {
	return &Builder{registry: registry, protocols: protocols}
}

// Build instantiates the graph in dependency order: preprocessor, protocol,
// augmentation, task, model and trainer. The task receives the protocol and
// augmentation; the model receives the task.
func (b *Builder) Build(job *tree.Map) (*Graph, error) {
	g := &Graph{}

	if node, ok := job.Get("preprocessor"); ok && node != nil {
		pre, err := b.component("preprocessor", node, nil)
		if err != nil {
			return nil, err
		}
		g.Preprocessor = pre
	}

	proto, err := b.buildProtocol(job)
	if err != nil {
		return nil, err
	}
	g.Protocol = proto
	if g.Preprocessor != nil {
		pre, ok := g.Preprocessor.(Preprocessor)
		p, isProtocol := proto.(*protocol.Protocol)
		if ok && isProtocol {
			p.AddPreprocessor(pre.PreprocessedKey(), pre)
		}
	}

	if node, ok := job.Get("augmentation"); ok && node != nil {
		aug, err := b.component("augmentation", node, nil)
		if err != nil {
			return nil, err
		}
		g.Augmentation = aug
	}

	taskNode, _ := job.Get("task")
	g.Task, err = b.component("task", taskNode, map[string]any{
		"protocol":     g.Protocol,
		"augmentation": g.Augmentation,
	})
	if err != nil {
		return nil, err
	}

	modelNode, _ := job.Get("model")
	g.Model, err = b.component("model", modelNode, map[string]any{"task": g.Task})
	if err != nil {
		return nil, err
	}

	if node, ok := job.Get("trainer"); ok && node != nil {
		g.Trainer, err = b.component("trainer", node, nil)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (b *Builder) buildProtocol(job *tree.Map) (any, error) {
	node, _ := job.Get("protocol")
	name, ok := node.(string)
	if !ok {
		return b.component("protocol", node, nil)
	}
	if b.protocols == nil {
		return nil, &protocol.UnknownProtocolError{Name: name, Reason: "no protocol database configured"}
	}
	return b.protocols.Get(name)
}

// component builds a top-level subtree, which must carry a _target_.
// inject supplies arguments produced by earlier steps.
func (b *Builder) component(key string, node any, inject map[string]any) (any, error) {
	m, ok := node.(*tree.Map)
	if !ok {
		return nil, &UnknownTargetError{Path: key}
	}
	if _, ok := m.Get(TargetKey); !ok {
		return nil, &UnknownTargetError{Path: key}
	}
	return b.instantiate(key, m, inject)
}

// Instantiate builds node recursively. Mappings with a _target_ become
// constructed objects; plain mappings and lists are rebuilt with their
// children instantiated; scalars are returned unchanged.
func (b *Builder) Instantiate(path string, node any) (any, error) {
	switch t := node.(type) {
	case *tree.Map:
		if _, ok := t.Get(TargetKey); ok {
			return b.instantiate(path, t, nil)
		}
		out := tree.New()
		for _, k := range t.Keys() {
			v, _ := t.Get(k)
			built, err := b.Instantiate(joinPath(path, k), v)
			if err != nil {
				return nil, err
			}
			out.Set(k, built)
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			built, err := b.Instantiate(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = built
		}
		return out, nil
	default:
		return node, nil
	}
}

func (b *Builder) instantiate(path string, m *tree.Map, inject map[string]any) (any, error) {
	raw, _ := m.Get(TargetKey)
	name, ok := raw.(string)
	if !ok || name == "" {
		return nil, &ConstructorArgumentError{Target: fmt.Sprintf("%v", raw), Key: TargetKey, Reason: "must be a non-empty dotted name"}
	}
	c, err := b.registry.Lookup(name)
	if err != nil {
		return nil, &UnknownTargetError{Target: name, Path: path}
	}

	args := &Args{target: name, values: make(map[string]any, m.Len())}
	for _, k := range m.Keys() {
		if k == TargetKey {
			continue
		}
		if _, injected := inject[k]; injected {
			return nil, &ConstructorArgumentError{Target: name, Key: k, Reason: "set by the builder and cannot be configured"}
		}
		v, _ := m.Get(k)
		built, err := b.Instantiate(joinPath(path, k), v)
		if err != nil {
			return nil, err
		}
		args.set(k, built)
	}
	for _, k := range sortedKeys(inject) {
		if accepts(c, k) {
			args.set(k, inject[k])
		}
	}

	if err := checkArgs(name, c, args); err != nil {
		return nil, err
	}
	obj, err := c.New(args)
	if err != nil {
		if IsConstructorArgument(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to build %s at '%s': %w", name, path, err)
	}
	return obj, nil
}

func checkArgs(name string, c Constructor, args *Args) error {
	for _, k := range c.Required {
		if !args.Has(k) {
			return &ConstructorArgumentError{Target: name, Key: k, Reason: "required argument is missing"}
		}
	}
	if c.Variadic {
		return nil
	}
	for _, k := range args.keys {
		if !accepts(c, k) {
			return &ConstructorArgumentError{
				Target: name,
				Key:    k,
				Reason: fmt.Sprintf("unexpected argument (accepted: %s)", strings.Join(append(append([]string(nil), c.Required...), c.Optional...), ", ")),
			}
		}
	}
	return nil
}

func accepts(c Constructor, key string) bool {
	if c.Variadic {
		return true
	}
	for _, k := range c.Required {
		if k == key {
			return true
		}
	}
	for _, k := range c.Optional {
		if k == key {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
