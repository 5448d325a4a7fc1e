// Package engine runs the training step of a job.
//
// The training loop itself lives outside lodge. Exec starts an external
// trainer command, hands it a description of the job on stdin and reads the
// best validation score back from its stdout.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dyluth/lodge/internal/tree"
)

// Environment variables passed to every trainer process.
const (
	EnvOutputDir = "LODGE_OUTPUT_DIR"
	EnvJobID     = "LODGE_JOB_ID"
	EnvSeed      = "PL_GLOBAL_SEED"
)

// Directions of a validation monitor.
const (
	DirectionMin = "min"
	DirectionMax = "max"
)

// Environment describes where and as what a job runs.
type Environment struct {
	JobID     string
	OutputDir string
	Seed      int64
	Config    *tree.Map // Resolved job configuration
}

// Outcome is the result of a finished fit.
type Outcome struct {
	ExitCode  int
	Monitor   string
	Direction string
	BestScore *float64 // As reported by the trainer
	Objective *float64 // BestScore, negated when Direction is max
}

// Trainer fits a model.
type Trainer interface {
	Fit(ctx context.Context, model any, env Environment) (Outcome, error)
}

// Monitored models expose the validation metric to track and whether it
// should be minimised or maximised. An empty metric means none.
type Monitored interface {
	ValMonitor() (metric, direction string)
}

// FineTunable models report whether they start from pretrained weights.
type FineTunable interface {
	FineTuning() bool
}

// Validator is implemented by models that check themselves before fitting.
type Validator interface {
	Validate() error
}

// Objective converts a best score into the value a sweep minimises.
func Objective(score float64, direction string) float64 {
	if direction == DirectionMax {
		return -score
	}
	return score
}

// Describe assembles the job description handed to the trainer process:
// identity, callbacks derived from the model's validation monitor, trainer
// options and the full configuration.
func Describe(model any, env Environment, options *tree.Map) (*tree.Map, error) {
	var metric, direction string
	if m, ok := model.(Monitored); ok {
		metric, direction = m.ValMonitor()
	}
	fineTuning := false
	if f, ok := model.(FineTunable); ok {
		fineTuning = f.FineTuning()
	}

	d := tree.New()
	d.Set("job_id", env.JobID)
	d.Set("output_dir", env.OutputDir)
	d.Set("seed", env.Seed)
	d.Set("fine_tuning", fineTuning)

	checkpoint := tree.New()
	checkpoint.Set("every_n_epochs", int64(1))
	checkpoint.Set("save_last", true)
	checkpoint.Set("save_weights_only", false)
	checkpoint.Set("dirpath", filepath.Join(env.OutputDir, "checkpoints"))

	if metric == "" {
		d.Set("monitor", nil)
		checkpoint.Set("monitor", nil)
		checkpoint.Set("save_top_k", nil)
		checkpoint.Set("filename", "{epoch}")
		d.Set("checkpoint", checkpoint)
		d.Set("early_stopping", nil)
	} else {
		if direction != DirectionMin && direction != DirectionMax {
			return nil, fmt.Errorf("validation monitor %s has invalid direction '%s'", metric, direction)
		}
		monitor := tree.New()
		monitor.Set("metric", metric)
		monitor.Set("direction", direction)
		d.Set("monitor", monitor)

		checkpoint.Set("monitor", metric)
		checkpoint.Set("mode", direction)
		checkpoint.Set("save_top_k", int64(5))
		checkpoint.Set("filename", fmt.Sprintf("{epoch}-{%s:.6f}", metric))
		d.Set("checkpoint", checkpoint)

		d.Set("early_stopping", earlyStopping(metric, direction, env.Config))
	}

	if options == nil {
		options = tree.New()
	}
	d.Set("trainer", options)
	if env.Config != nil {
		d.Set("config", env.Config)
	}
	return d, nil
}

// earlyStopping waits twice as long as the scheduler's patience. Without a
// scheduler patience no early stopping is configured.
func earlyStopping(metric, direction string, cfg *tree.Map) any {
	if cfg == nil {
		return nil
	}
	v, ok := cfg.Lookup([]string{"scheduler", "patience"})
	if !ok {
		return nil
	}
	patience, ok := v.(int64)
	if !ok {
		return nil
	}
	es := tree.New()
	es.Set("monitor", metric)
	es.Set("mode", direction)
	es.Set("min_delta", 0.0)
	es.Set("patience", 2*patience)
	es.Set("strict", true)
	es.Set("verbose", false)
	return es
}
