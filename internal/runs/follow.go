package runs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/lodge/pkg/runstore"
)

// EventSource delivers run updates, as runstore.Subscription does.
type EventSource interface {
	Events() <-chan *runstore.Run
	Errors() <-chan error
}

// Follow writes each matching run update until ctx is done or the source
// closes. Errors from the source are reported on errOut and do not stop
// the stream.
func Follow(ctx context.Context, src EventSource, criteria *Criteria, format OutputFormat, w, errOut io.Writer) error {
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(errOut, "⚠️  %v\n", err)
		case r, ok := <-events:
			if !ok {
				return nil
			}
			if !criteria.Matches(r) {
				continue
			}
			if err := writeEvent(w, r, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, r *runstore.Run, format OutputFormat) error {
	if format == OutputFormatJSONL {
		return FormatJSONL(w, []*runstore.Run{r})
	}
	line := fmt.Sprintf("%s  %s  %-10s", time.UnixMilli(r.UpdatedAtMs).Format("15:04:05"), shortID(r.RunID), r.Status)
	if r.JobID != "" {
		line += "  " + r.JobID
	}
	if r.BestScore != nil {
		line += "  best_score=" + formatScore(r.BestScore)
	}
	if r.ExitDetail != "" {
		line += "  (" + r.ExitDetail + ")"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// Getter reads a single run.
type Getter interface {
	GetRun(ctx context.Context, runID string) (*runstore.Run, error)
}

// WaitTerminal polls runID every interval until it reaches a terminal
// status and returns it.
func WaitTerminal(ctx context.Context, store Getter, runID string, interval time.Duration) (*runstore.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
		}
		if r.IsTerminal() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
