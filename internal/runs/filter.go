package runs

import (
	"path/filepath"
	"strings"

	"github.com/dyluth/lodge/pkg/runstore"
)

// Criteria selects runs for `lodge runs`. All set fields must match.
type Criteria struct {
	SinceTimestampMs int64           // 0 = no lower bound
	UntilTimestampMs int64           // 0 = no upper bound
	Status           runstore.Status // Empty = any
	SweepID          string          // Sweep ID or prefix
	JobGlob          string          // Glob over the job ID, e.g. "model.lstm.num_layers=*"
}

// Matches reports whether r satisfies every criterion.
func (c *Criteria) Matches(r *runstore.Run) bool {
	if c == nil {
		return true
	}
	if c.SinceTimestampMs > 0 && r.CreatedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && r.CreatedAtMs > c.UntilTimestampMs {
		return false
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	if c.SweepID != "" && !strings.HasPrefix(r.SweepID, strings.ToLower(c.SweepID)) {
		return false
	}
	if c.JobGlob != "" {
		matched, err := filepath.Match(c.JobGlob, r.JobID)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters reports whether any criterion is set.
func (c *Criteria) HasFilters() bool {
	return c != nil && (c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.Status != "" ||
		c.SweepID != "" ||
		c.JobGlob != "")
}
