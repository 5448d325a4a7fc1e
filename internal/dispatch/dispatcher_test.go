package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/engine"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/resolve"
	"github.com/dyluth/lodge/internal/sweep"
	"github.com/dyluth/lodge/internal/testutil"
	"github.com/dyluth/lodge/internal/tree"
	"github.com/dyluth/lodge/pkg/runstore"
)

type fakeSource struct{}

func (fakeSource) Get(name string) (*protocol.Protocol, error) {
	if name != "Debug.SpeakerDiarization.Tiny" {
		return nil, &protocol.UnknownProtocolError{Name: name}
	}
	return &protocol.Protocol{Name: name}, nil
}

// fakeTrainer reports the score configured under trainer.score, or fails
// when trainer.fail is set.
type fakeTrainer struct {
	score float64
	fail  bool
	fits  *[]engine.Environment
	mu    *sync.Mutex
}

func (f *fakeTrainer) Fit(ctx context.Context, model any, env engine.Environment) (engine.Outcome, error) {
	f.mu.Lock()
	*f.fits = append(*f.fits, env)
	f.mu.Unlock()
	if f.fail {
		return engine.Outcome{ExitCode: 2}, fmt.Errorf("trainer exited with code 2")
	}
	score := f.score
	objective := engine.Objective(score, engine.DirectionMax)
	return engine.Outcome{BestScore: &score, Objective: &objective}, nil
}

func newBuilder(fits *[]engine.Environment) *build.Builder {
	var mu sync.Mutex
	reg := build.NewRegistry()
	reg.Register("fake.Task", build.Constructor{
		Required: []string{"protocol"},
		Optional: []string{"augmentation"},
		New:      func(a *build.Args) (any, error) { return "task", nil },
	})
	reg.Register("fake.Model", build.Constructor{
		Required: []string{"task"},
		New:      func(a *build.Args) (any, error) { return "model", nil },
	})
	reg.Register("fake.Trainer", build.Constructor{
		Optional: []string{"score", "fail"},
		New: func(a *build.Args) (any, error) {
			score, err := a.Float("score", 0)
			if err != nil {
				return nil, err
			}
			fail, err := a.Bool("fail", false)
			if err != nil {
				return nil, err
			}
			return &fakeTrainer{score: score, fail: fail, fits: fits, mu: &mu}, nil
		},
	})
	return build.NewBuilder(reg, fakeSource{})
}

func jobTree(t *testing.T, trainer string) *tree.Map {
	t.Helper()
	m, err := tree.Decode([]byte(fmt.Sprintf(`
protocol: Debug.SpeakerDiarization.Tiny
task: {_target_: fake.Task}
model: {_target_: fake.Model}
trainer: %s
launcher: {kind: fake, gpus: 2, time_limit: "24:00:00"}
`, trainer)))
	require.NoError(t, err)
	return m
}

func jobs(t *testing.T, trainers ...string) []sweep.JobSpec {
	t.Helper()
	out := make([]sweep.JobSpec, len(trainers))
	for i, tr := range trainers {
		id := ""
		if len(trainers) > 1 {
			id = fmt.Sprintf("trainer.score=%d", i)
		}
		out[i] = sweep.JobSpec{Index: i, ID: id, Config: &resolve.Config{Tree: jobTree(t, tr)}}
	}
	return out
}

func setupTestClient(t *testing.T) *runstore.Client {
	t.Helper()
	client, _ := testutil.NewRunStore(t, "test")
	return client
}

// fakeLauncher hands out sequential external IDs and reports the states
// set in states.
type fakeLauncher struct {
	mu        sync.Mutex
	payloads  []*Payload
	states    map[string]State
	cancelled []string
	failOn    map[int]error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{states: make(map[string]State), failOn: make(map[int]error)}
}

func (f *fakeLauncher) Kind() string { return "fake" }

func (f *fakeLauncher) Submit(ctx context.Context, p *Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[p.Index]; err != nil {
		return "", err
	}
	f.payloads = append(f.payloads, p)
	id := fmt.Sprintf("ext-%d", p.Index)
	f.states[id] = State{Status: runstore.StatusPending}
	return id, nil
}

func (f *fakeLauncher) Poll(ctx context.Context, externalID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[externalID]
	if !ok {
		return State{}, fmt.Errorf("no such job %s", externalID)
	}
	return s, nil
}

func (f *fakeLauncher) Cancel(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

func (f *fakeLauncher) set(externalID string, s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[externalID] = s
}

func TestRunLocal_Succeeds(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	root := t.TempDir()
	var fits []engine.Environment

	d := New(newBuilder(&fits), nil, client, Options{Experiment: "vad", OutputRoot: root, Seed: 42})
	require.NoError(t, d.RunLocal(ctx, jobs(t, "{_target_: fake.Trainer, score: 0.9}")))

	results := d.Results()
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, runstore.StatusSucceeded, r.Status)
	assert.Equal(t, LauncherLocal, r.Launcher)
	assert.Equal(t, d.SweepID(), r.SweepID)
	require.NotNil(t, r.BestScore)
	assert.Equal(t, 0.9, *r.BestScore)
	assert.Equal(t, -0.9, *r.Objective)
	assert.Equal(t, 0, *r.ExitCode)

	assert.Equal(t, filepath.Join(root, "vad", d.SweepID()), r.OutputDir)
	assert.DirExists(t, r.OutputDir)

	require.Len(t, fits, 1)
	assert.Equal(t, int64(42), fits[0].Seed)
	assert.Equal(t, r.OutputDir, fits[0].OutputDir)

	stored, err := client.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, stored.Status)
	assert.Equal(t, 0.9, *stored.BestScore)
}

func TestRunLocal_StopsAtFirstFailure(t *testing.T) {
	var fits []engine.Environment
	d := New(newBuilder(&fits), nil, nil, Options{OutputRoot: t.TempDir()})

	err := d.RunLocal(context.Background(), jobs(t,
		"{_target_: fake.Trainer, score: 0.1}",
		"{_target_: fake.Trainer, fail: true}",
		"{_target_: fake.Trainer, score: 0.3}",
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job #1 trainer.score=1: trainer exited with code 2")

	results := d.Results()
	require.Len(t, results, 2, "the third job is never started")
	assert.Equal(t, runstore.StatusSucceeded, results[0].Status)
	assert.Equal(t, runstore.StatusFailed, results[1].Status)
	assert.Equal(t, "trainer exited with code 2", results[1].ExitDetail)
	assert.Equal(t, 2, *results[1].ExitCode)
	assert.Len(t, fits, 2)
}

func TestRunLocal_BuildFailure(t *testing.T) {
	var fits []engine.Environment
	d := New(newBuilder(&fits), nil, nil, Options{OutputRoot: t.TempDir()})

	err := d.RunLocal(context.Background(), jobs(t, "{_target_: fake.Nope}"))
	require.Error(t, err)
	var target *build.UnknownTargetError
	assert.ErrorAs(t, err, &target)

	results := d.Results()
	require.Len(t, results, 1)
	assert.Equal(t, runstore.StatusFailed, results[0].Status)
	assert.Nil(t, results[0].ExitCode)
	assert.Empty(t, fits)
}

func TestRunLocal_NoTrainer(t *testing.T) {
	var fits []engine.Environment
	d := New(newBuilder(&fits), nil, nil, Options{OutputRoot: t.TempDir()})

	err := d.RunLocal(context.Background(), jobs(t, "null"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration has no trainer")
}

func TestOutputDir(t *testing.T) {
	d := New(nil, nil, nil, Options{})
	base := filepath.Join("outputs", "default", d.SweepID())

	single := sweep.JobSpec{Index: 0}
	assert.Equal(t, base, d.OutputDir(single, 1))

	swept := sweep.JobSpec{Index: 2, ID: "task.duration=2.0"}
	assert.Equal(t, filepath.Join(base, "2_task.duration=2.0"), d.OutputDir(swept, 3))

	multi := New(nil, nil, nil, Options{Multirun: true})
	assert.Equal(t, filepath.Join("outputs", "default", multi.SweepID(), "0"), multi.OutputDir(single, 1))
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()
	l.failOn[1] = errors.New("quota exceeded")

	d := New(nil, l, client, Options{
		Experiment: "vad",
		Seed:       7,
		Commit:     "abc123",
		Env:        map[string]string{"WANDB_MODE": "offline"},
	})
	err := d.Submit(ctx, jobs(t,
		"{_target_: fake.Trainer}",
		"{_target_: fake.Trainer}",
		"{_target_: fake.Trainer}",
	))

	require.Error(t, err)
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.True(t, IsSubmission(err))
	assert.Equal(t, 1, serr.Index)
	assert.Equal(t, "trainer.score=1", serr.JobID)
	assert.Contains(t, err.Error(), "quota exceeded")

	results := d.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "ext-0", results[0].ExternalID)
	assert.Equal(t, runstore.StatusPending, results[0].Status)
	assert.Equal(t, "fake", results[0].Launcher)
	assert.Equal(t, runstore.StatusFailed, results[1].Status)
	assert.Empty(t, results[1].ExternalID)
	assert.Equal(t, "ext-2", results[2].ExternalID)

	require.Len(t, l.payloads, 2)
	p := l.payloads[1]
	assert.Equal(t, results[2].RunID, p.RunID)
	assert.Equal(t, 2, p.Index)
	assert.Equal(t, int64(7), p.Seed)
	assert.Equal(t, "abc123", p.Commit)
	assert.Equal(t, "offline", p.Env["WANDB_MODE"])
	assert.Equal(t, int64(2), p.Resource("gpus"))
	assert.Equal(t, "24:00:00", p.Resource("time_limit"))
	assert.Nil(t, p.Resource("account"))

	stored, err := client.GetPayload(ctx, results[0].RunID)
	require.NoError(t, err)
	decoded, err := UnmarshalPayload(stored)
	require.NoError(t, err)
	assert.Equal(t, results[0].RunID, decoded.RunID)
	assert.True(t, tree.Equal(jobTree(t, "{_target_: fake.Trainer}"), decoded.Config))

	run, err := client.GetRun(ctx, results[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "ext-0", run.ExternalID)
}

// instantLauncher runs each payload to completion against the same run
// store before Submit returns, like a container that finishes before the
// submitter records its ID.
type instantLauncher struct {
	*fakeLauncher
	worker *Dispatcher
}

func (l *instantLauncher) Submit(ctx context.Context, p *Payload) (string, error) {
	id, err := l.fakeLauncher.Submit(ctx, p)
	if err != nil {
		return "", err
	}
	if _, err := l.worker.Execute(ctx, p); err != nil {
		return "", err
	}
	return id, nil
}

func TestSubmit_JobFinishesBeforeSubmitReturns(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	var fits []engine.Environment

	l := &instantLauncher{
		fakeLauncher: newFakeLauncher(),
		worker:       New(newBuilder(&fits), nil, client, Options{}),
	}
	d := New(nil, l, client, Options{OutputRoot: t.TempDir()})
	require.NoError(t, d.Submit(ctx, jobs(t, "{_target_: fake.Trainer, score: 0.5}")))
	require.Len(t, fits, 1)

	r := d.Results()[0]
	stored, err := client.GetRun(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, stored.Status)
	require.NotNil(t, stored.BestScore)
	assert.Equal(t, 0.5, *stored.BestScore)
	require.NotNil(t, stored.Objective)
	assert.Equal(t, -0.5, *stored.Objective)
	assert.Equal(t, "ext-0", stored.ExternalID)

	assert.Equal(t, runstore.StatusSucceeded, r.Status)
	assert.Equal(t, "ext-0", r.ExternalID)
	assert.Equal(t, "fake", r.Launcher)
}

func TestTransition_KeepsExternalIDRecordedLater(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	var fits []engine.Environment

	run := &runstore.Run{
		RunID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Launcher: "fake",
		Status:   runstore.StatusPending,
	}
	require.NoError(t, client.SaveRun(ctx, run))

	// The worker loads the record before the submitter stores the ID.
	worker := New(newBuilder(&fits), nil, client, Options{})
	require.NoError(t, worker.transition(ctx, run, runstore.StatusRunning, "", nil))
	_, err := client.SetExternalID(ctx, run.RunID, "ext-7")
	require.NoError(t, err)
	require.NoError(t, worker.transition(ctx, run, runstore.StatusFailed, "OOM", nil))

	stored, err := client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, stored.Status)
	assert.Equal(t, "ext-7", stored.ExternalID)
	assert.Equal(t, "ext-7", run.ExternalID)
}

func TestSubmit_NoLauncher(t *testing.T) {
	d := New(nil, nil, nil, Options{})
	err := d.Submit(context.Background(), jobs(t, "null"))
	assert.EqualError(t, err, "no cluster launcher configured")
}

func TestPollAndWait(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()

	d := New(nil, l, client, Options{})
	require.NoError(t, d.Submit(ctx, jobs(t, "null", "null")))
	results := d.Results()

	// The launcher sees job 0 running; job 1 reports success to the store.
	l.set("ext-0", State{Status: runstore.StatusRunning})
	score := 0.8
	_, err := client.UpdateStatus(ctx, results[1].RunID, runstore.StatusSucceeded, "", func(r *runstore.Run) {
		r.BestScore = &score
	})
	require.NoError(t, err)

	require.NoError(t, d.Poll(ctx))
	results = d.Results()
	assert.Equal(t, runstore.StatusRunning, results[0].Status)
	assert.Equal(t, runstore.StatusSucceeded, results[1].Status)
	require.NotNil(t, results[1].BestScore)
	assert.Equal(t, 0.8, *results[1].BestScore)

	exitCode := 1
	l.set("ext-0", State{Status: runstore.StatusFailed, ExitCode: &exitCode, Detail: "OOM"})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(waitCtx, 10*time.Millisecond))

	results = d.Results()
	assert.Equal(t, runstore.StatusFailed, results[0].Status)
	assert.Equal(t, "OOM", results[0].ExitDetail)
	assert.Equal(t, 1, *results[0].ExitCode)

	stored, err := client.GetRun(ctx, results[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, stored.Status)

	// Terminal runs are never polled again.
	l.set("ext-0", State{Status: runstore.StatusSucceeded})
	require.NoError(t, d.Poll(ctx))
	assert.Equal(t, runstore.StatusFailed, d.Results()[0].Status)
}

func TestWait_ContextCancelled(t *testing.T) {
	l := newFakeLauncher()
	d := New(nil, l, nil, Options{})
	require.NoError(t, d.Submit(context.Background(), jobs(t, "null")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Wait(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()

	d := New(nil, l, client, Options{})
	require.NoError(t, d.Submit(ctx, jobs(t, "null")))
	runID := d.Results()[0].RunID

	r, err := d.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, r.Status)
	assert.Equal(t, DetailCancelled, r.ExitDetail)
	assert.Equal(t, []string{"ext-0"}, l.cancelled)

	_, err = d.Cancel(ctx, runID)
	assert.True(t, runstore.IsInvalidTransition(err))

	_, err = d.Cancel(ctx, "0f8fad5b-d9cb-469f-a165-70867728950e")
	assert.Contains(t, err.Error(), "not found")
}

func TestCancel_NotCancellable(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()
	d := New(nil, l, client, Options{})

	local := &runstore.Run{
		RunID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Launcher: LauncherLocal,
		Status:   runstore.StatusRunning,
	}
	unsubmitted := &runstore.Run{
		RunID:    "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Launcher: "fake",
		Status:   runstore.StatusPending,
	}
	require.NoError(t, client.SaveRun(ctx, local))
	require.NoError(t, client.SaveRun(ctx, unsubmitted))

	for _, run := range []*runstore.Run{local, unsubmitted} {
		_, err := d.Cancel(ctx, run.RunID)
		var notCancellable *NotCancellableError
		require.ErrorAs(t, err, &notCancellable)
		assert.Equal(t, run.RunID, notCancellable.RunID)

		stored, err := client.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.Status, stored.Status, "record unchanged")
	}
	assert.Empty(t, l.cancelled)
}

func TestCancel_FinishedMeanwhile(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()

	d := New(nil, l, client, Options{})
	require.NoError(t, d.Submit(ctx, jobs(t, "null")))
	runID := d.Results()[0].RunID

	// The job reports success after this dispatcher last looked.
	_, err := client.UpdateStatus(ctx, runID, runstore.StatusSucceeded, "", nil)
	require.NoError(t, err)

	r, err := d.Cancel(ctx, runID)
	assert.True(t, runstore.IsInvalidTransition(err))
	assert.Equal(t, runstore.StatusSucceeded, r.Status)
	assert.Empty(t, l.cancelled)
}

func TestCancel_LoadsFromStore(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	l := newFakeLauncher()

	submitter := New(nil, l, client, Options{})
	require.NoError(t, submitter.Submit(ctx, jobs(t, "null")))
	runID := submitter.Results()[0].RunID

	canceller := New(nil, l, client, Options{})
	r, err := canceller.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "ext-0", r.ExternalID)

	stored, err := client.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, stored.Status)
	assert.Equal(t, DetailCancelled, stored.ExitDetail)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)
	var fits []engine.Environment

	run := &runstore.Run{
		RunID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		Launcher:   "fake",
		ExternalID: "ext-0",
		Status:     runstore.StatusPending,
	}
	require.NoError(t, client.SaveRun(ctx, run))

	p := &Payload{
		Version:   PayloadVersion,
		RunID:     run.RunID,
		JobID:     "trainer.score=0.5",
		OutputDir: filepath.Join(t.TempDir(), "job"),
		Seed:      3,
		Config:    jobTree(t, "{_target_: fake.Trainer, score: 0.5}"),
	}

	d := New(newBuilder(&fits), nil, client, Options{})
	r, err := d.Execute(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, r.Status)
	assert.Equal(t, "fake", r.Launcher, "the stored record is kept")

	require.Len(t, fits, 1)
	assert.Equal(t, "trainer.score=0.5", fits[0].JobID)
	assert.Equal(t, int64(3), fits[0].Seed)
	_, err = os.Stat(p.OutputDir)
	assert.NoError(t, err)

	stored, err := client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, stored.Status)
	assert.Equal(t, "ext-0", stored.ExternalID)

	_, err = d.Execute(ctx, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already succeeded")
}

func TestPayload_EnvForm(t *testing.T) {
	p := &Payload{
		Version: PayloadVersion,
		RunID:   "0f8fad5b-d9cb-469f-a165-70867728950e",
		JobID:   "model.lstm.num_layers=2",
		Config:  jobTree(t, "null"),
	}
	encoded, err := p.EncodeEnv()
	require.NoError(t, err)

	decoded, err := DecodeEnv(encoded)
	require.NoError(t, err)
	assert.Equal(t, p.JobID, decoded.JobID)
	assert.True(t, tree.Equal(p.Config, decoded.Config))
	assert.Nil(t, decoded.Resources)

	_, err = DecodeEnv("not base64!")
	assert.Error(t, err)

	bad := *p
	bad.Version = 99
	data, err := bad.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalPayload(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload version 99")

	bad = *p
	bad.Config = nil
	data, err = bad.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalPayload(data)
	assert.Contains(t, err.Error(), "payload has no config")
}
