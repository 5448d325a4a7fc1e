// Package sweep expands multi-valued overrides into one job specification
// per point of their Cartesian product.
package sweep

import (
	"fmt"
	"strings"

	"github.com/dyluth/lodge/internal/override"
	"github.com/dyluth/lodge/internal/resolve"
)

// Choice is the value one sweep axis takes in a job.
type Choice struct {
	Key   string
	Value string
}

// JobSpec is one fully resolved job of an invocation.
type JobSpec struct {
	Index   int
	ID      string   // "k1=v1,k2=v2" in axis order; empty without axes
	Choices []Choice
	Config  *resolve.Config
}

// Dirname returns the per-job output directory name.
func (j JobSpec) Dirname() string {
	if j.ID == "" {
		return fmt.Sprintf("%d", j.Index)
	}
	return fmt.Sprintf("%d_%s", j.Index, sanitize(j.ID))
}

// Name returns a short human label for logs and tables.
func (j JobSpec) Name() string {
	if j.ID == "" {
		return fmt.Sprintf("#%d", j.Index)
	}
	return fmt.Sprintf("#%d %s", j.Index, j.ID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// Expander re-resolves the base configuration for each point of the sweep.
type Expander struct {
	resolver *resolve.Resolver
}

// NewExpander creates an expander backed by r.
func NewExpander(r *resolve.Resolver) *Expander {
	return &Expander{resolver: r}
}

// Expand returns ∏|axis| job specifications in deterministic order: axes in
// first-appearance order, the last axis varying fastest. Without axes it
// returns exactly one job holding the resolution's configuration. Every job
// is resolved before Expand returns, so a resolution error aborts the whole
// expansion.
func (e *Expander) Expand(res *resolve.Resolution) ([]JobSpec, error) {
	axes := res.Axes()
	if len(axes) == 0 {
		return []JobSpec{{Index: 0, Config: res.Config}}, nil
	}

	total := 1
	for _, a := range axes {
		total *= len(a.Values)
	}

	jobs := make([]JobSpec, 0, total)
	idx := make([]int, len(axes))
	for n := 0; n < total; n++ {
		chosen := make(map[string]override.Value, len(axes))
		choices := make([]Choice, len(axes))
		for i, a := range axes {
			v := a.Values[idx[i]]
			chosen[a.Key()] = v
			choices[i] = Choice{Key: a.Key(), Value: v.String()}
		}

		pinned := make([]override.Override, len(res.Overrides))
		for i, o := range res.Overrides {
			if v, ok := chosen[o.Key()]; ok && o.IsSweep() {
				pinned[i] = o.Pin(v)
			} else {
				pinned[i] = o
			}
		}

		cfg, err := e.resolver.Compose(pinned)
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", n, formatID(choices), err)
		}
		jobs = append(jobs, JobSpec{Index: n, ID: formatID(choices), Choices: choices, Config: cfg})

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].Values) {
				break
			}
			idx[i] = 0
		}
	}
	return jobs, nil
}

func formatID(choices []Choice) string {
	parts := make([]string, len(choices))
	for i, c := range choices {
		parts[i] = c.Key + "=" + c.Value
	}
	return strings.Join(parts, ",")
}
