package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/dispatch"
	dockerpkg "github.com/dyluth/lodge/internal/docker"
	"github.com/dyluth/lodge/internal/engine"
	"github.com/dyluth/lodge/internal/git"
	"github.com/dyluth/lodge/internal/launcher"
	"github.com/dyluth/lodge/internal/override"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/resolve"
	"github.com/dyluth/lodge/internal/store"
	"github.com/dyluth/lodge/internal/sweep"
	"github.com/dyluth/lodge/internal/tree"
	"github.com/dyluth/lodge/pkg/runstore"
)

var (
	trainCfg          string
	trainConfigDirs   []string
	trainMultirun     bool
	trainWait         bool
	trainPollInterval time.Duration
)

var trainCmd = &cobra.Command{
	Use:   "train [overrides...]",
	Short: "Resolve a configuration and train",
	Long: `Resolve the configuration from fragments and overrides, then run the
resulting job locally or submit it to the cluster launcher.

Overrides:
  key=value          Override an existing key, or select a config group
  +key=value         Add a key (or a config group) that is not in the defaults
  key=a,b,c          Sweep: one job per value; several sweeps form a grid

Launchers:
  launcher=local     Run jobs one after another in this process (default)
  launcher=docker    Submit one container per job; needs store.redis_url

Examples:
  # Print the resolved job without running anything
  lodge train --cfg job protocol=AMI.SpeakerDiarization.only_words

  # Train a voice activity detection model with 2s chunks
  lodge train protocol=AMI.SpeakerDiarization.only_words task.duration=2.0

  # Six jobs on the cluster
  lodge train -m launcher=docker protocol=... \
    +model.lstm.num_layers=2,3,4 +model.lstm.bidirectional=true,false`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainCfg, "cfg", "", "Print the resolved configuration instead of running (only 'job' is supported)")
	trainCmd.Flags().StringArrayVar(&trainConfigDirs, "config-dir", nil, "Config directory searched before lodge.yml's config_dirs and the built-ins (repeatable)")
	trainCmd.Flags().BoolVarP(&trainMultirun, "multirun", "m", false, "Expand as a sweep even without multi-valued overrides")
	trainCmd.Flags().BoolVar(&trainWait, "wait", false, "Wait for cluster jobs to finish")
	trainCmd.Flags().DurationVar(&trainPollInterval, "poll-interval", 10*time.Second, "Interval between cluster status checks with --wait")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	if trainCfg != "" && trainCfg != "job" {
		return fmt.Errorf("unsupported --cfg value '%s'\nOnly --cfg job is supported", trainCfg)
	}

	overrides, err := override.ParseAll(args)
	if err != nil {
		return err
	}

	project, err := loadProject()
	if err != nil {
		return err
	}

	searchPath := append(append([]string(nil), trainConfigDirs...), project.SearchPath()...)
	s, err := store.Load(searchPath...)
	if err != nil {
		return err
	}

	r := resolve.New(s)
	res, err := r.Resolve(overrides)
	if err != nil {
		return err
	}
	jobs, err := sweep.NewExpander(r).Expand(res)
	if err != nil {
		return err
	}

	if trainCfg == "job" {
		return printJobs(cmd.OutOrStdout(), jobs)
	}

	kind, err := launcherKind(jobs)
	if err != nil {
		return err
	}
	seed, err := globalSeed()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rs dispatch.RunStore
	client, err := openStore(ctx, project.Store.RedisURL, project.Store.Namespace)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		rs = client
	}

	db := protocol.NewDatabase(databasePaths(project)...)
	builder := build.NewBuilder(newRegistry(db), db)
	opts := dispatch.Options{
		Experiment: project.Experiment,
		OutputRoot: project.Resolve(project.Outputs),
		Seed:       seed,
		Multirun:   trainMultirun,
		Commit:     git.NewChecker("").Revision(),
	}

	switch kind {
	case dispatch.LauncherLocal:
		return trainLocal(ctx, dispatch.New(builder, nil, rs, opts), jobs)
	case launcher.KindDocker:
		if client == nil {
			printer.Warning("no run store configured: jobs will not report scores (set store.redis_url in %s)\n", configPath)
		}
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()
		l := launcher.NewDocker(cli, launcher.Options{
			Image:     project.Launcher.Image,
			Network:   project.Launcher.Network,
			Volumes:   project.Launcher.Volumes,
			Ports:     project.Launcher.Ports,
			RedisURL:  project.Launcher.RedisURL,
			Namespace: project.Store.Namespace,
			Env:       project.Launcher.Env,
		})
		return trainCluster(ctx, dispatch.New(builder, l, rs, opts), jobs)
	default:
		return fmt.Errorf("unknown launcher kind '%s'\nUse launcher=local or launcher=docker", kind)
	}
}

func trainLocal(ctx context.Context, d *dispatch.Dispatcher, jobs []sweep.JobSpec) error {
	printer.Step("running %s locally (sweep %s)\n", plural(len(jobs), "job"), d.SweepID())
	err := d.RunLocal(ctx, jobs)
	printResults(d.Results())
	if err != nil {
		return err
	}
	printer.Success("%s succeeded\n", plural(len(jobs), "job"))
	return nil
}

func trainCluster(ctx context.Context, d *dispatch.Dispatcher, jobs []sweep.JobSpec) error {
	printer.Step("submitting %s (sweep %s)\n", plural(len(jobs), "job"), d.SweepID())
	submitErr := d.Submit(ctx, jobs)
	if !trainWait {
		printResults(d.Results())
		if submitErr != nil {
			return submitErr
		}
		printer.Success("submitted %s\n", plural(len(jobs), "job"))
		printer.Info("Follow progress with: lodge runs --sweep %s --follow\n", d.SweepID()[:8])
		return nil
	}

	if err := d.Wait(ctx, trainPollInterval); err != nil {
		printResults(d.Results())
		return err
	}
	results := d.Results()
	printResults(results)
	if submitErr != nil {
		return submitErr
	}
	failed := 0
	for _, r := range results {
		if r.Status != runstore.StatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return &JobsFailedError{Failed: failed, Total: len(results)}
	}
	printer.Success("%s succeeded\n", plural(len(jobs), "job"))
	return nil
}

// printJobs writes the resolved configuration of every job as YAML.
func printJobs(w io.Writer, jobs []sweep.JobSpec) error {
	for i, job := range jobs {
		if len(jobs) > 1 {
			if i > 0 {
				fmt.Fprintln(w, "---")
			}
			fmt.Fprintf(w, "# job %s\n", job.Name())
		}
		data, err := tree.Encode(job.Config.Tree)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func printResults(results []dispatch.RunResult) {
	for _, r := range results {
		line := fmt.Sprintf("%s  #%d  %-10s", r.ShortID(), r.Index, r.Status)
		if r.JobID != "" {
			line += "  " + r.JobID
		}
		if r.BestScore != nil {
			line += "  best_score=" + strconv.FormatFloat(*r.BestScore, 'g', 6, 64)
		}
		if r.ExitDetail != "" {
			line += "  (" + r.ExitDetail + ")"
		}
		printer.Detail("%s", line)
	}
}

// launcherKind returns the launcher.kind shared by every job.
func launcherKind(jobs []sweep.JobSpec) (string, error) {
	kind := ""
	for i, job := range jobs {
		k := dispatch.LauncherLocal
		if v, ok := job.Config.Lookup("launcher.kind"); ok && v != nil {
			s, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("launcher.kind must be a string, got %v", v)
			}
			k = s
		}
		if i > 0 && k != kind {
			return "", fmt.Errorf("jobs of one sweep must use the same launcher (found '%s' and '%s')", kind, k)
		}
		kind = k
	}
	return kind, nil
}

// globalSeed reads PL_GLOBAL_SEED, defaulting to 0.
func globalSeed() (int64, error) {
	v := os.Getenv(engine.EnvSeed)
	if v == "" {
		return 0, nil
	}
	seed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': must be an integer", engine.EnvSeed, v)
	}
	return seed, nil
}

func databasePaths(project *config.LodgeConfig) []string {
	if project.Database == "" {
		return nil
	}
	return []string{project.Resolve(project.Database)}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
