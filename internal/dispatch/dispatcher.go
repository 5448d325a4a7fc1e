// Package dispatch runs expanded jobs, either one after another in the
// current process or by submitting each one to a cluster launcher, and
// tracks their lifecycle as run records.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/engine"
	"github.com/dyluth/lodge/internal/sweep"
	"github.com/dyluth/lodge/internal/tree"
	"github.com/dyluth/lodge/pkg/runstore"
)

// LauncherLocal is the launcher kind that runs jobs in-process.
const LauncherLocal = "local"

// DetailCancelled is the exit detail of a cancelled run.
const DetailCancelled = "cancelled"

// RunResult is the lifecycle record of one job.
type RunResult = runstore.Run

// State is the status of a cluster job as reported by its launcher.
type State struct {
	Status   runstore.Status
	ExitCode *int
	Detail   string
}

// Launcher submits self-contained job payloads to a cluster scheduler.
type Launcher interface {
	Kind() string
	Submit(ctx context.Context, p *Payload) (string, error)
	Poll(ctx context.Context, externalID string) (State, error)
	Cancel(ctx context.Context, externalID string) error
}

// RunStore persists run records and payloads. *runstore.Client implements it.
type RunStore interface {
	SaveRun(ctx context.Context, r *runstore.Run) error
	GetRun(ctx context.Context, runID string) (*runstore.Run, error)
	UpdateStatus(ctx context.Context, runID string, status runstore.Status, detail string, mutate func(*runstore.Run)) (*runstore.Run, error)
	SetExternalID(ctx context.Context, runID, externalID string) (*runstore.Run, error)
	SavePayload(ctx context.Context, runID string, payload []byte) error
}

// Options configure a Dispatcher.
type Options struct {
	Experiment string
	OutputRoot string
	Seed       int64
	// Multirun gives every job its own output directory even without sweep axes.
	Multirun bool
	// Env is added to every cluster job's environment.
	Env    map[string]string
	Commit string
}

// Dispatcher owns the run records of one invocation.
type Dispatcher struct {
	builder  *build.Builder
	launcher Launcher
	store    RunStore
	opts     Options
	sweepID  string

	mu      sync.Mutex
	results []*RunResult
}

// New creates a dispatcher. launcher may be nil for local-only use and
// store may be nil when run records are not persisted.
func New(builder *build.Builder, launcher Launcher, store RunStore, opts Options) *Dispatcher {
	if opts.Experiment == "" {
		opts.Experiment = "default"
	}
	if opts.OutputRoot == "" {
		opts.OutputRoot = "outputs"
	}
	return &Dispatcher{
		builder:  builder,
		launcher: launcher,
		store:    store,
		opts:     opts,
		sweepID:  uuid.New().String(),
	}
}

// SweepID identifies the jobs dispatched by this invocation.
func (d *Dispatcher) SweepID() string {
	return d.sweepID
}

// Results returns copies of the run records in dispatch order.
func (d *Dispatcher) Results() []RunResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RunResult, len(d.results))
	for i, r := range d.results {
		out[i] = *r
	}
	return out
}

// OutputDir returns where job writes its outputs. The directory is not
// created here.
func (d *Dispatcher) OutputDir(job sweep.JobSpec, jobCount int) string {
	dir := filepath.Join(d.opts.OutputRoot, d.opts.Experiment, d.sweepID)
	if d.opts.Multirun || jobCount > 1 {
		dir = filepath.Join(dir, job.Dirname())
	}
	return dir
}

func (d *Dispatcher) newResult(job sweep.JobSpec, launcher, outputDir string) *RunResult {
	r := &RunResult{
		RunID:     uuid.New().String(),
		SweepID:   d.sweepID,
		JobID:     job.ID,
		Index:     job.Index,
		Launcher:  launcher,
		Status:    runstore.StatusPending,
		OutputDir: outputDir,
	}
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
	return r
}

// RunLocal builds and fits each job in sweep order. The first failure
// marks its run failed and is returned; later jobs are not started.
func (d *Dispatcher) RunLocal(ctx context.Context, jobs []sweep.JobSpec) error {
	for _, job := range jobs {
		r := d.newResult(job, LauncherLocal, d.OutputDir(job, len(jobs)))
		d.save(ctx, r)

		env := engine.Environment{
			JobID:     job.ID,
			OutputDir: r.OutputDir,
			Seed:      d.opts.Seed,
			Config:    job.Config.Tree,
		}
		if err := d.execute(ctx, r, job.Config.Tree, env); err != nil {
			return fmt.Errorf("job %s: %w", job.Name(), err)
		}
	}
	return nil
}

// Execute runs a decoded cluster payload in this process, reporting status
// to the run store under the payload's run ID.
func (d *Dispatcher) Execute(ctx context.Context, p *Payload) (*RunResult, error) {
	r := &RunResult{
		RunID:     p.RunID,
		SweepID:   p.SweepID,
		JobID:     p.JobID,
		Index:     p.Index,
		Launcher:  LauncherLocal,
		Status:    runstore.StatusPending,
		OutputDir: p.OutputDir,
	}
	if d.store != nil {
		stored, err := d.store.GetRun(ctx, p.RunID)
		switch {
		case err == nil:
			r = stored
		case !runstore.IsNotFound(err):
			return nil, fmt.Errorf("failed to load run %s: %w", p.RunID, err)
		}
	}
	if r.IsTerminal() {
		return r, fmt.Errorf("run %s is already %s", r.RunID, r.Status)
	}
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()

	env := engine.Environment{
		JobID:     p.JobID,
		OutputDir: p.OutputDir,
		Seed:      p.Seed,
		Config:    p.Config,
	}
	err := d.execute(ctx, r, p.Config, env)
	return r, err
}

func (d *Dispatcher) execute(ctx context.Context, r *RunResult, cfg *tree.Map, env engine.Environment) error {
	d.transition(ctx, r, runstore.StatusRunning, "", nil)
	d.logEvent("job_started", map[string]interface{}{
		"run_id":     r.RunID,
		"job_id":     r.JobID,
		"output_dir": r.OutputDir,
	})

	fail := func(err error, exitCode *int) error {
		d.transition(ctx, r, runstore.StatusFailed, err.Error(), func(run *RunResult) {
			run.ExitCode = exitCode
		})
		d.logEvent("job_failed", map[string]interface{}{
			"run_id": r.RunID,
			"job_id": r.JobID,
			"error":  err.Error(),
		})
		return err
	}

	if env.OutputDir != "" {
		if err := os.MkdirAll(env.OutputDir, 0755); err != nil {
			return fail(fmt.Errorf("failed to create output directory: %w", err), nil)
		}
	}

	graph, err := d.builder.Build(cfg)
	if err != nil {
		return fail(err, nil)
	}
	trainer, ok := graph.Trainer.(engine.Trainer)
	if !ok {
		return fail(fmt.Errorf("configuration has no trainer (set 'trainer._target_')"), nil)
	}

	outcome, err := trainer.Fit(ctx, graph.Model, env)
	exitCode := outcome.ExitCode
	if err != nil {
		return fail(err, &exitCode)
	}

	d.transition(ctx, r, runstore.StatusSucceeded, "", func(run *RunResult) {
		run.ExitCode = &exitCode
		run.BestScore = outcome.BestScore
		run.Objective = outcome.Objective
	})
	d.logEvent("job_succeeded", map[string]interface{}{
		"run_id":     r.RunID,
		"job_id":     r.JobID,
		"best_score": outcome.BestScore,
	})
	return nil
}

// Submit sends every job to the cluster launcher in sweep order. A failed
// submission marks only that job failed; the returned error joins one
// SubmissionError per failed job.
func (d *Dispatcher) Submit(ctx context.Context, jobs []sweep.JobSpec) error {
	if d.launcher == nil {
		return fmt.Errorf("no cluster launcher configured")
	}

	var errs []error
	for _, job := range jobs {
		r := d.newResult(job, d.launcher.Kind(), d.OutputDir(job, len(jobs)))
		if err := d.submit(ctx, job, r); err != nil {
			serr := &SubmissionError{JobID: job.ID, Index: job.Index, Err: err}
			d.transition(ctx, r, runstore.StatusFailed, serr.Error(), nil)
			d.logEvent("submission_failed", map[string]interface{}{
				"run_id": r.RunID,
				"job_id": job.ID,
				"error":  err.Error(),
			})
			errs = append(errs, serr)
			continue
		}
		d.logEvent("job_submitted", map[string]interface{}{
			"run_id":      r.RunID,
			"job_id":      job.ID,
			"external_id": r.ExternalID,
		})
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) submit(ctx context.Context, job sweep.JobSpec, r *RunResult) error {
	resources, _ := job.Config.Tree.Get("launcher")
	resourceMap, _ := resources.(*tree.Map)

	p := &Payload{
		Version:    PayloadVersion,
		RunID:      r.RunID,
		SweepID:    r.SweepID,
		JobID:      job.ID,
		Index:      job.Index,
		Experiment: d.opts.Experiment,
		OutputDir:  r.OutputDir,
		Seed:       d.opts.Seed,
		Commit:     d.opts.Commit,
		Env:        d.opts.Env,
		Resources:  resourceMap,
		Config:     job.Config.Tree,
	}

	if d.store != nil {
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		if err := d.store.SavePayload(ctx, r.RunID, data); err != nil {
			return err
		}
		d.save(ctx, r)
	}

	externalID, err := d.launcher.Submit(ctx, p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	r.ExternalID = externalID
	d.mu.Unlock()

	// The job may already have reported status, so only the ID is written.
	if d.store != nil {
		stored, err := d.store.SetExternalID(ctx, r.RunID, externalID)
		if err != nil {
			log.Printf("[Dispatcher] failed to record external ID of run %s: %v", r.RunID, err)
			return nil
		}
		d.mu.Lock()
		*r = *stored
		d.mu.Unlock()
	}
	return nil
}

// Poll refreshes every unfinished cluster run. Status reported to the run
// store by the job itself is merged first, then the launcher's view.
// Results keep their order.
func (d *Dispatcher) Poll(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]*RunResult, 0, len(d.results))
	for _, r := range d.results {
		if !r.IsTerminal() && r.ExternalID != "" {
			pending = append(pending, r)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, r := range pending {
		if err := d.pollOne(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", r.ShortID(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) pollOne(ctx context.Context, r *RunResult) error {
	if d.store != nil {
		stored, err := d.store.GetRun(ctx, r.RunID)
		if err != nil && !runstore.IsNotFound(err) {
			return err
		}
		if stored != nil && stored.Status != r.Status && r.Status.CanTransition(stored.Status) {
			d.mu.Lock()
			r.Status = stored.Status
			r.ExitCode = stored.ExitCode
			r.ExitDetail = stored.ExitDetail
			r.BestScore = stored.BestScore
			r.Objective = stored.Objective
			d.mu.Unlock()
		}
		if r.IsTerminal() {
			return nil
		}
	}

	if d.launcher == nil {
		return nil
	}
	state, err := d.launcher.Poll(ctx, r.ExternalID)
	if err != nil {
		return err
	}
	if state.Status == r.Status || !r.Status.CanTransition(state.Status) {
		return nil
	}
	d.transition(ctx, r, state.Status, state.Detail, func(run *RunResult) {
		if state.ExitCode != nil {
			run.ExitCode = state.ExitCode
		}
	})
	d.logEvent("job_status", map[string]interface{}{
		"run_id": r.RunID,
		"job_id": r.JobID,
		"status": string(state.Status),
	})
	return nil
}

// Wait polls every interval until all runs are terminal or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Poll(ctx); err != nil {
			log.Printf("[Dispatcher] poll error: %v", err)
		}
		if d.done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.results {
		if !r.IsTerminal() {
			return false
		}
	}
	return true
}

// Cancel stops a cluster run and marks it failed with detail "cancelled".
// Runs not dispatched by this invocation are loaded from the run store.
// Local runs and runs with no external ID yet return a NotCancellableError.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) (*RunResult, error) {
	r, err := d.lookup(ctx, runID)
	if err != nil {
		return nil, err
	}
	if d.store != nil {
		d.refresh(ctx, r)
	}
	if r.IsTerminal() {
		return r, &runstore.InvalidTransitionError{RunID: r.RunID, From: r.Status, To: runstore.StatusFailed}
	}
	switch {
	case r.Launcher == LauncherLocal:
		return r, &NotCancellableError{RunID: r.RunID, Reason: "local runs are stopped by interrupting lodge"}
	case r.ExternalID == "":
		return r, &NotCancellableError{RunID: r.RunID, Reason: "no job has been submitted for it yet"}
	case d.launcher == nil:
		return r, fmt.Errorf("no cluster launcher configured")
	}
	if err := d.launcher.Cancel(ctx, r.ExternalID); err != nil {
		return r, fmt.Errorf("failed to cancel %s: %w", r.ExternalID, err)
	}
	if err := d.transition(ctx, r, runstore.StatusFailed, DetailCancelled, nil); err != nil {
		return r, err
	}
	d.logEvent("job_cancelled", map[string]interface{}{
		"run_id":      r.RunID,
		"external_id": r.ExternalID,
	})
	return r, nil
}

func (d *Dispatcher) lookup(ctx context.Context, runID string) (*RunResult, error) {
	d.mu.Lock()
	for _, r := range d.results {
		if r.RunID == runID {
			d.mu.Unlock()
			return r, nil
		}
	}
	d.mu.Unlock()

	if d.store == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	r, err := d.store.GetRun(ctx, runID)
	if err != nil {
		if runstore.IsNotFound(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
	return r, nil
}

// transition applies a status change and persists it. Transitions out of a
// terminal state are dropped. With a run store the change is applied to the
// stored record, and r is refreshed from it.
func (d *Dispatcher) transition(ctx context.Context, r *RunResult, status runstore.Status, detail string, mutate func(*RunResult)) error {
	persist := true
	if d.store != nil {
		stored, err := d.store.UpdateStatus(ctx, r.RunID, status, detail, mutate)
		switch {
		case err == nil:
			d.mu.Lock()
			*r = *stored
			d.mu.Unlock()
			return nil
		case runstore.IsInvalidTransition(err):
			log.Printf("[Dispatcher] %v", err)
			d.refresh(ctx, r)
			return err
		case runstore.IsNotFound(err):
			// Not stored yet; the full record is written below.
		default:
			// The stored record is left untouched.
			log.Printf("[Dispatcher] failed to update run %s: %v", r.RunID, err)
			persist = false
		}
	}

	d.mu.Lock()
	err := r.Transition(status, detail)
	if err == nil && mutate != nil {
		mutate(r)
	}
	d.mu.Unlock()
	if err != nil {
		log.Printf("[Dispatcher] %v", err)
		return err
	}
	if persist {
		d.save(ctx, r)
	}
	return nil
}

func (d *Dispatcher) refresh(ctx context.Context, r *RunResult) {
	stored, err := d.store.GetRun(ctx, r.RunID)
	if err != nil {
		return
	}
	d.mu.Lock()
	*r = *stored
	d.mu.Unlock()
}

func (d *Dispatcher) save(ctx context.Context, r *RunResult) {
	if d.store == nil {
		return
	}
	d.mu.Lock()
	snapshot := *r
	d.mu.Unlock()
	if err := d.store.SaveRun(ctx, &snapshot); err != nil {
		log.Printf("[Dispatcher] failed to save run %s: %v", r.RunID, err)
		return
	}
	d.mu.Lock()
	r.CreatedAtMs = snapshot.CreatedAtMs
	r.UpdatedAtMs = snapshot.UpdatedAtMs
	d.mu.Unlock()
}

// logEvent logs a structured event in JSON format.
func (d *Dispatcher) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "dispatcher"
	data["event_type"] = eventType
	data["sweep_id"] = d.sweepID

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Dispatcher] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
