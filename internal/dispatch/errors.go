package dispatch

import (
	"errors"
	"fmt"
)

// SubmissionError wraps a launcher failure with the job it belongs to.
type SubmissionError struct {
	JobID string
	Index int
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("failed to submit job #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("failed to submit job #%d (%s): %v", e.Index, e.JobID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsSubmission checks if err is, or joins, a SubmissionError.
func IsSubmission(err error) bool {
	var serr *SubmissionError
	return errors.As(err, &serr)
}

// NotCancellableError reports a run that has nothing to stop.
type NotCancellableError struct {
	RunID  string
	Reason string
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("run %s cannot be cancelled: %s", e.RunID, e.Reason)
}
