package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/lodge/internal/dispatch"
	dockerpkg "github.com/dyluth/lodge/internal/docker"
	"github.com/dyluth/lodge/internal/launcher"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/resolver"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a cluster run",
	Long: `Stop the container of a cluster run and mark the run failed with
detail "cancelled". Accepts short run IDs.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	runID, err := resolver.ResolveRunID(ctx, client, args[0])
	if err != nil {
		return err
	}
	run, err := client.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	var l dispatch.Launcher
	if run.Launcher == launcher.KindDocker && run.ExternalID != "" && !run.IsTerminal() {
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()
		l = launcher.NewDocker(cli, launcher.Options{})
	}

	d := dispatch.New(nil, l, client, dispatch.Options{Experiment: project.Experiment})
	r, err := d.Cancel(ctx, runID)
	if err != nil {
		return err
	}
	printer.Success("cancelled run %s\n", r.ShortID())
	return nil
}
