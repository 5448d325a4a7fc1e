package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/resolver"
	"github.com/dyluth/lodge/internal/runs"
	"github.com/dyluth/lodge/internal/timespec"
	"github.com/dyluth/lodge/pkg/runstore"
)

var (
	runsOutputFormat string
	runsSince        string
	runsUntil        string
	runsStatus       string
	runsSweep        string
	runsJob          string
	runsFollow       bool
	runsWait         bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "Inspect run records",
	Long: `Inspect run records in list or get mode.

List Mode (no RUN_ID):
  Displays runs matching filters as a table or JSONL stream.

Get Mode (with RUN_ID):
  Displays one run as pretty-printed JSON. Accepts short IDs
  (e.g. "0f8fad" instead of the full UUID).

Filters (list mode only):
  --since, --until   Creation time (duration like 2h or 3d, or RFC3339)
  --status           pending, running, succeeded or failed
  --sweep            Sweep ID or prefix
  --job              Glob over the job ID ("model.lstm.num_layers=*")

Examples:
  lodge runs --since=1d --status=failed
  lodge runs --sweep=7c9e6679 --follow
  lodge runs --output=jsonl | jq 'select(.objective != null) | .objective'
  lodge runs 0f8fad --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsOutputFormat, "output", "o", "default", "Output format: default or jsonl (list mode)")
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Show runs created after time")
	runsCmd.Flags().StringVar(&runsUntil, "until", "", "Show runs created before time")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status")
	runsCmd.Flags().StringVar(&runsSweep, "sweep", "", "Filter by sweep ID prefix")
	runsCmd.Flags().StringVar(&runsJob, "job", "", "Filter by job ID (glob pattern)")
	runsCmd.Flags().BoolVarP(&runsFollow, "follow", "f", false, "Stream run updates after listing")
	runsCmd.Flags().BoolVar(&runsWait, "wait", false, "Wait for the run to finish (get mode)")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	project, err := loadProject()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := requireStore(ctx, project)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 1 {
		return getRun(ctx, client, args[0])
	}

	format, err := runs.ParseFormat(runsOutputFormat)
	if err != nil {
		return err
	}
	criteria, err := runsCriteria(time.Now())
	if err != nil {
		return err
	}

	// Subscribe before listing so no update between the two is lost.
	var sub *runstore.Subscription
	if runsFollow {
		sub, err = client.SubscribeRunEvents(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	if err := runs.List(ctx, client, client.Namespace(), criteria, format, printer.Out); err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	return runs.Follow(ctx, sub, criteria, format, printer.Out, printer.Err)
}

func getRun(ctx context.Context, client *runstore.Client, shortID string) error {
	runID, err := resolver.ResolveRunID(ctx, client, shortID)
	if err != nil {
		return err
	}

	var r *runstore.Run
	if runsWait {
		r, err = runs.WaitTerminal(ctx, client, runID, 2*time.Second)
	} else {
		r, err = client.GetRun(ctx, runID)
	}
	if err != nil {
		return err
	}
	if err := runs.FormatSingleJSON(printer.Out, r); err != nil {
		return err
	}
	if runsWait && r.Status == runstore.StatusFailed {
		return &JobsFailedError{Failed: 1, Total: 1}
	}
	return nil
}

func runsCriteria(now time.Time) (*runs.Criteria, error) {
	since, until, err := timespec.ParseRange(runsSince, runsUntil, now)
	if err != nil {
		return nil, err
	}
	status := runstore.Status(runsStatus)
	if status != "" {
		if err := status.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --status: %w", err)
		}
	}
	return &runs.Criteria{
		SinceTimestampMs: since,
		UntilTimestampMs: until,
		Status:           status,
		SweepID:          runsSweep,
		JobGlob:          runsJob,
	}, nil
}
