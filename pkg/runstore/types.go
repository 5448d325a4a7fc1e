// Package runstore persists run records in Redis so that runs submitted to
// a cluster can be tracked, listed and followed after the submitting
// process exits.
//
// All Redis keys and channels are namespaced by the project namespace,
// so several projects can share one Redis server.
package runstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Validate checks that s is a known status.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %q", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition reports whether a run in s may move to next. Staying in the
// same non-terminal state is allowed; leaving a terminal state is not.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// Run is the record of one job execution.
type Run struct {
	RunID       string   `json:"run_id"`      // UUID
	SweepID     string   `json:"sweep_id"`    // UUID shared by the jobs of one invocation
	JobID       string   `json:"job_id"`      // "k1=v1,k2=v2"; empty without sweep axes
	Index       int      `json:"index"`       // Position in sweep order
	Launcher    string   `json:"launcher"`    // "local" or a cluster launcher kind
	ExternalID  string   `json:"external_id"` // Issued by the cluster launcher
	Status      Status   `json:"status"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	ExitDetail  string   `json:"exit_detail,omitempty"`
	OutputDir   string   `json:"output_dir"`
	BestScore   *float64 `json:"best_score,omitempty"`
	Objective   *float64 `json:"objective,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

// Validate checks required fields.
func (r *Run) Validate() error {
	if _, err := uuid.Parse(r.RunID); err != nil {
		return fmt.Errorf("run_id must be a valid UUID: %w", err)
	}
	if r.SweepID != "" {
		if _, err := uuid.Parse(r.SweepID); err != nil {
			return fmt.Errorf("sweep_id must be a valid UUID: %w", err)
		}
	}
	if r.Index < 0 {
		return fmt.Errorf("index must not be negative")
	}
	if r.Launcher == "" {
		return fmt.Errorf("launcher is required")
	}
	return r.Status.Validate()
}

// IsTerminal reports whether the run has finished.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Transition moves the run to next, recording detail when non-empty.
func (r *Run) Transition(next Status, detail string) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if !r.Status.CanTransition(next) {
		return &InvalidTransitionError{RunID: r.RunID, From: r.Status, To: next}
	}
	r.Status = next
	if detail != "" {
		r.ExitDetail = detail
	}
	return nil
}

// ShortID returns the first eight characters of the run ID.
func (r *Run) ShortID() string {
	if len(r.RunID) < 8 {
		return r.RunID
	}
	return r.RunID[:8]
}

// InvalidTransitionError reports an attempt to change a terminal run.
type InvalidTransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition from %s to %s", e.RunID, e.From, e.To)
}

// IsInvalidTransition checks if err is or wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var terr *InvalidTransitionError
	return errors.As(err, &terr)
}
