package runs

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dyluth/lodge/pkg/runstore"
)

const rowFormat = "%-8s %-8s %-3s %-10s %-10s %-8s %s\n"

// FormatTable writes runs as a table and returns the number of rows.
func FormatTable(w io.Writer, runs []*runstore.Run, namespace string, now time.Time) int {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found in '%s'\n", namespace)
		return 0
	}

	fmt.Fprintf(w, "Runs in '%s':\n\n", namespace)
	fmt.Fprintf(w, rowFormat, "ID", "SWEEP", "#", "STATUS", "SCORE", "AGE", "JOB")
	fmt.Fprintf(w, rowFormat, "--------", "--------", "---", "----------", "----------", "--------", "----------------------------------------")

	for _, r := range runs {
		fmt.Fprintf(w, rowFormat,
			shortID(r.RunID),
			shortID(r.SweepID),
			strconv.Itoa(r.Index),
			r.Status,
			formatScore(r.BestScore),
			formatAge(r.CreatedAtMs, now),
			formatJob(r.JobID),
		)
	}

	noun := "run"
	if len(runs) != 1 {
		noun = "runs"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(runs), noun)
	return len(runs)
}

// FormatJSONL writes each run as a single line of JSON.
func FormatJSONL(w io.Writer, runs []*runstore.Run) error {
	for _, r := range runs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal run to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one run as indented JSON.
func FormatSingleJSON(w io.Writer, r *runstore.Run) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 6, 64)
}

// formatJob shows the job ID, truncated to 40 characters.
func formatJob(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 40 {
		return id[:37] + "..."
	}
	return id
}

// formatAge renders a millisecond timestamp relative to now.
func formatAge(ms int64, now time.Time) string {
	if ms == 0 {
		return "-"
	}
	diff := now.Sub(time.UnixMilli(ms))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
