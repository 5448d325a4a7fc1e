package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/dispatch"
	"github.com/dyluth/lodge/internal/override"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/resolve"
	"github.com/dyluth/lodge/internal/store"
	"github.com/dyluth/lodge/internal/sweep"
	"github.com/dyluth/lodge/internal/targets"
	"github.com/dyluth/lodge/internal/testutil"
	"github.com/dyluth/lodge/internal/tree"
	"github.com/dyluth/lodge/pkg/runstore"
)

const testProtocol = "Debug.SpeakerDiarization.Tiny"

const testDatabase = `Databases:
  Debug: /data/{uri}.wav
Protocols:
  Debug:
    SpeakerDiarization:
      Tiny:
        train:
          uri: train.lst
          annotation: train.rttm
        development:
          uri: dev.lst
          annotation: dev.rttm
`

// setupProject writes a lodge project whose "fake" trainer runs script
// through sh. It returns the project file path.
func setupProject(t *testing.T, script string) string {
	t.Helper()
	testutil.RequireShell(t)
	dir := t.TempDir()

	testutil.WriteFiles(t, dir, map[string]string{
		"lodge.yml":    "version: \"1.0\"\nexperiment: test\nconfig_dirs: [conf]\ndatabase: database.yml\n",
		"database.yml": testDatabase,
		"conf/trainer/fake.yaml": fmt.Sprintf(`_target_: pytorch_lightning.Trainer
command: [sh, -c, %q]
max_epochs: 1
`, script),
	})
	return filepath.Join(dir, "lodge.yml")
}

// countingRegistry wraps every built-in constructor with a call counter.
func countingRegistry(t *testing.T) *int64 {
	t.Helper()
	var calls int64
	prev := newRegistry
	newRegistry = func(src protocol.Source) *build.Registry {
		base := targets.NewRegistry(src)
		reg := build.NewRegistry()
		for _, name := range base.Names() {
			c, err := base.Lookup(name)
			require.NoError(t, err)
			inner := c.New
			c.New = func(a *build.Args) (any, error) {
				atomic.AddInt64(&calls, 1)
				return inner(a)
			}
			reg.Register(name, c)
		}
		return reg
	}
	t.Cleanup(func() { newRegistry = prev })
	return &calls
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if v, ok := f.Value.(pflag.SliceValue); ok {
			v.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI and returns stdout (command and printer output)
// and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevColor := printer.Out, printer.Err, color.NoColor
	printer.Out, printer.Err, color.NoColor = &out, &errOut, true
	t.Cleanup(func() {
		printer.Out, printer.Err, color.NoColor = prevOut, prevErr, prevColor
	})

	resetFlags(rootCmd)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := Execute()
	return out.String(), errOut.String(), err
}

func TestTrain_CfgJobPrintsWithoutBuilding(t *testing.T) {
	project := setupProject(t, "exit 1")
	calls := countingRegistry(t)

	out, _, err := execute(t, "train", "--config", project, "--cfg", "job",
		"protocol="+testProtocol, "task.duration=2.0", "trainer=fake")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt64(calls))

	job, err := tree.Decode([]byte(out))
	require.NoError(t, err)
	v, ok := job.Lookup([]string{"task", "duration"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	v, _ = job.Lookup([]string{"protocol"})
	assert.Equal(t, testProtocol, v)
	v, _ = job.Lookup([]string{"trainer", "max_epochs"})
	assert.Equal(t, int64(1), v)
}

func TestTrain_CfgJobSweep(t *testing.T) {
	project := setupProject(t, "exit 1")
	calls := countingRegistry(t)

	out, _, err := execute(t, "train", "--config", project, "--cfg", "job", "-m",
		"protocol="+testProtocol,
		"+model.lstm.num_layers=2,3,4", "+model.lstm.bidirectional=true,false")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt64(calls))
	assert.Equal(t, 6, strings.Count(out, "# job #"))
	assert.Equal(t, 5, strings.Count(out, "\n---\n"))
	assert.Contains(t, out, "# job #5 model.lstm.num_layers=4,model.lstm.bidirectional=false")
}

func TestTrain_ConfigDirFlagTakesPrecedence(t *testing.T) {
	project := setupProject(t, "exit 1")
	extra := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(extra, "trainer"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(extra, "trainer", "fake.yaml"),
		[]byte("_target_: pytorch_lightning.Trainer\ncommand: [\"true\"]\nmax_epochs: 7\n"), 0644))

	out, _, err := execute(t, "train", "--config", project, "--config-dir", extra, "--cfg", "job",
		"protocol="+testProtocol, "trainer=fake")
	require.NoError(t, err)
	assert.Contains(t, out, "max_epochs: 7")
}

func TestTrain_Local(t *testing.T) {
	project := setupProject(t, `cat > /dev/null; echo "epoch 1"; echo '{"best_score": 0.25}'`)
	calls := countingRegistry(t)

	out, _, err := execute(t, "train", "--config", project, "protocol="+testProtocol, "trainer=fake")
	require.NoError(t, err)
	assert.Positive(t, atomic.LoadInt64(calls))
	assert.Contains(t, out, "best_score=0.25")
	assert.Contains(t, out, "1 job succeeded")

	dirs, err := filepath.Glob(filepath.Join(filepath.Dir(project), "outputs", "test", "*"))
	require.NoError(t, err)
	assert.Len(t, dirs, 1)
}

func TestTrain_LocalFailureExitsNonZero(t *testing.T) {
	project := setupProject(t, "cat > /dev/null; exit 3")

	out, stderr, err := execute(t, "train", "--config", project, "protocol="+testProtocol, "trainer=fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trainer exited with code 3")
	assert.Contains(t, out, "failed")
	assert.Contains(t, stderr, "trainer exited with code 3")
}

func TestTrain_ResolutionErrors(t *testing.T) {
	project := setupProject(t, "exit 1")

	testCases := []struct {
		name   string
		args   []string
		check  func(t *testing.T, err error)
		stderr string
	}{
		{
			name: "malformed override",
			args: []string{"protocol"},
			check: func(t *testing.T, err error) {
				assert.True(t, override.IsMalformed(err))
			},
			stderr: "malformed override",
		},
		{
			name: "unknown key",
			args: []string{"protocol=" + testProtocol, "task.durationn=2.0"},
			check: func(t *testing.T, err error) {
				var target *resolve.UnknownConfigKeyError
				assert.ErrorAs(t, err, &target)
			},
			stderr: "+task.durationn=...",
		},
		{
			name: "unknown config name",
			args: []string{"protocol=" + testProtocol, "model=Transformer"},
			check: func(t *testing.T, err error) {
				var target *resolve.UnknownConfigNameError
				assert.ErrorAs(t, err, &target)
			},
			stderr: "unknown config name",
		},
		{
			name: "missing protocol",
			args: []string{},
			check: func(t *testing.T, err error) {
				var target *resolve.MissingRequiredKeyError
				assert.ErrorAs(t, err, &target)
			},
			stderr: "required config key 'protocol'",
		},
		{
			name: "unsupported cfg",
			args: []string{"--cfg", "hydra", "protocol=" + testProtocol},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "unsupported --cfg value")
			},
			stderr: "Only --cfg job is supported",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := countingRegistry(t)
			args := append([]string{"train", "--config", project}, tc.args...)
			_, stderr, err := execute(t, args...)
			require.Error(t, err)
			tc.check(t, err)
			assert.Contains(t, stderr, tc.stderr)
			assert.Zero(t, atomic.LoadInt64(calls))
		})
	}
}

func TestTrain_UnknownProtocol(t *testing.T) {
	project := setupProject(t, "exit 0")

	_, stderr, err := execute(t, "train", "--config", project, "protocol=Nope.SpeakerDiarization.Tiny", "trainer=fake")
	require.Error(t, err)
	var target *protocol.UnknownProtocolError
	assert.ErrorAs(t, err, &target)
	assert.Contains(t, stderr, "unknown protocol")
}

func TestLauncherKind(t *testing.T) {
	job := func(kind any) sweep.JobSpec {
		m := tree.New()
		launcher := tree.New()
		launcher.Set("kind", kind)
		m.Set("launcher", launcher)
		return sweep.JobSpec{Config: &resolve.Config{Tree: m}}
	}

	kind, err := launcherKind([]sweep.JobSpec{{Config: &resolve.Config{Tree: tree.New()}}})
	require.NoError(t, err)
	assert.Equal(t, dispatch.LauncherLocal, kind)

	kind, err = launcherKind([]sweep.JobSpec{job("docker"), job("docker")})
	require.NoError(t, err)
	assert.Equal(t, "docker", kind)

	_, err = launcherKind([]sweep.JobSpec{job("docker"), job("local")})
	assert.Error(t, err)

	_, err = launcherKind([]sweep.JobSpec{job(int64(3))})
	assert.Error(t, err)
}

func TestGlobalSeed(t *testing.T) {
	t.Setenv("PL_GLOBAL_SEED", "")
	seed, err := globalSeed()
	require.NoError(t, err)
	assert.Zero(t, seed)

	t.Setenv("PL_GLOBAL_SEED", "42")
	seed, err = globalSeed()
	require.NoError(t, err)
	assert.Equal(t, int64(42), seed)

	t.Setenv("PL_GLOBAL_SEED", "forty-two")
	_, err = globalSeed()
	assert.Error(t, err)
}

func setupRedis(t *testing.T, namespace string) *runstore.Client {
	t.Helper()
	client, mr := testutil.NewRunStore(t, namespace)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	return client
}

func TestJobExec(t *testing.T) {
	project := setupProject(t, `cat > /dev/null; echo '{"best_score": 0.8}'`)
	client := setupRedis(t, "test")
	countingRegistry(t)
	ctx := context.Background()

	// Resolve the job the way `lodge train` does.
	s, err := store.Load(filepath.Join(filepath.Dir(project), "conf"))
	require.NoError(t, err)
	overrides, err := override.ParseAll([]string{"protocol=" + testProtocol, "trainer=fake"})
	require.NoError(t, err)
	res, err := resolve.New(s).Resolve(overrides)
	require.NoError(t, err)

	run := &runstore.Run{
		RunID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		SweepID:    "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Launcher:   "docker",
		ExternalID: "container-1",
		Status:     runstore.StatusPending,
		OutputDir:  filepath.Join(t.TempDir(), "out"),
	}
	require.NoError(t, client.SaveRun(ctx, run))

	p := &dispatch.Payload{
		Version:    dispatch.PayloadVersion,
		RunID:      run.RunID,
		SweepID:    run.SweepID,
		Experiment: "test",
		OutputDir:  run.OutputDir,
		Config:     res.Config.Tree,
	}
	encoded, err := p.EncodeEnv()
	require.NoError(t, err)
	t.Setenv(dispatch.EnvPayload, encoded)
	t.Setenv("LODGE_NAMESPACE", "test")
	t.Setenv(protocol.EnvDatabaseConfig, filepath.Join(filepath.Dir(project), "database.yml"))

	_, _, err = execute(t, "job", "exec")
	require.NoError(t, err)

	stored, err := client.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, stored.Status)
	assert.Equal(t, "container-1", stored.ExternalID)
	require.NotNil(t, stored.BestScore)
	assert.Equal(t, 0.8, *stored.BestScore)
	require.NotNil(t, stored.Objective)
	assert.Equal(t, -0.8, *stored.Objective)
}

func TestJobExec_NoPayload(t *testing.T) {
	t.Setenv(dispatch.EnvPayload, "")
	_, stderr, err := execute(t, "job", "exec")
	require.Error(t, err)
	assert.Contains(t, stderr, "LODGE_JOB_PAYLOAD is not set")
}

func TestRunsAndCancel(t *testing.T) {
	project := setupProject(t, "exit 0")
	client := setupRedis(t, "test")
	ctx := context.Background()

	score := 0.5
	require.NoError(t, client.SaveRun(ctx, &runstore.Run{
		RunID: "0f8fad5b-d9cb-469f-a165-70867728950e", SweepID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		JobID: "task.duration=2.0", Launcher: "local", Status: runstore.StatusSucceeded, BestScore: &score,
	}))
	require.NoError(t, client.SaveRun(ctx, &runstore.Run{
		RunID: "a3bb189e-8bf9-4888-9912-ace4e6543002", SweepID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Index: 1, JobID: "task.duration=3.0", Launcher: "local", Status: runstore.StatusRunning,
	}))

	t.Run("list", func(t *testing.T) {
		out, _, err := execute(t, "runs", "--config", project)
		require.NoError(t, err)
		assert.Contains(t, out, "Runs in 'test'")
		assert.Contains(t, out, "2 runs found")
	})

	t.Run("list filtered", func(t *testing.T) {
		out, _, err := execute(t, "runs", "--config", project, "--status", "running", "-o", "jsonl")
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(out, "\n"))
		assert.Contains(t, out, "a3bb189e-8bf9-4888-9912-ace4e6543002")
	})

	t.Run("invalid status", func(t *testing.T) {
		_, _, err := execute(t, "runs", "--config", project, "--status", "done")
		assert.Error(t, err)
	})

	t.Run("get by short id", func(t *testing.T) {
		out, _, err := execute(t, "runs", "--config", project, "0f8fad5b")
		require.NoError(t, err)
		assert.Contains(t, out, "\"job_id\": \"task.duration=2.0\"")
	})

	t.Run("cancel local run", func(t *testing.T) {
		_, stderr, err := execute(t, "cancel", "--config", project, "a3bb18")
		require.Error(t, err)
		var notCancellable *dispatch.NotCancellableError
		assert.ErrorAs(t, err, &notCancellable)
		assert.Contains(t, stderr, "run cannot be cancelled")

		r, err := client.GetRun(ctx, "a3bb189e-8bf9-4888-9912-ace4e6543002")
		require.NoError(t, err)
		assert.Equal(t, runstore.StatusRunning, r.Status)
	})

	t.Run("cancel finished run", func(t *testing.T) {
		_, stderr, err := execute(t, "cancel", "--config", project, "0f8fad5b")
		require.Error(t, err)
		assert.True(t, runstore.IsInvalidTransition(err))
		assert.Contains(t, stderr, "run already finished")
	})
}

func TestRuns_RequiresStore(t *testing.T) {
	project := setupProject(t, "exit 0")
	t.Setenv("REDIS_URL", "")

	_, stderr, err := execute(t, "runs", "--config", project)
	require.Error(t, err)
	assert.Contains(t, stderr, "no run store configured")
}

func TestInit(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	out, _, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully initialized lodge project")
	assert.FileExists(t, filepath.Join(dir, "lodge.yml"))

	_, stderr, err := execute(t, "init")
	require.Error(t, err)
	assert.Contains(t, stderr, "project already initialized")
}
