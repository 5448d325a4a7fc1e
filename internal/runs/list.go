// Package runs implements the `lodge runs` views over the run store.
package runs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/lodge/pkg/runstore"
)

// OutputFormat selects how runs are written.
type OutputFormat string

const (
	// OutputFormatDefault is a table with shortened IDs.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL writes one complete run record per line.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("unknown output format: %s (expected default or jsonl)", s)
}

// Lister is the part of the run store used for listing.
type Lister interface {
	ListRuns(ctx context.Context) ([]*runstore.Run, error)
}

// List writes the runs matching criteria, oldest first.
func List(ctx context.Context, store Lister, namespace string, criteria *Criteria, format OutputFormat, w io.Writer) error {
	all, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}

	var selected []*runstore.Run
	for _, r := range all {
		if criteria.Matches(r) {
			selected = append(selected, r)
		}
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, selected, namespace, time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, selected); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
