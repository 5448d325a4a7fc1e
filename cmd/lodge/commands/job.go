package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/dispatch"
	"github.com/dyluth/lodge/internal/launcher"
	"github.com/dyluth/lodge/internal/protocol"
)

var jobCmd = &cobra.Command{
	Use:    "job",
	Short:  "Commands run inside cluster job containers",
	Hidden: true,
}

var jobExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run the job described by " + dispatch.EnvPayload,
	Long: `Decode the job payload from the ` + dispatch.EnvPayload + ` environment variable,
build the object graph and fit it, reporting status to the run store named
by ` + launcher.EnvRedisURL + ` and ` + launcher.EnvNamespace + `.

The protocol database is read from ` + protocol.EnvDatabaseConfig + `.`,
	Args: cobra.NoArgs,
	RunE: runJobExec,
}

func init() {
	jobCmd.AddCommand(jobExecCmd)
	rootCmd.AddCommand(jobCmd)
}

func runJobExec(cmd *cobra.Command, args []string) error {
	encoded := os.Getenv(dispatch.EnvPayload)
	if encoded == "" {
		return fmt.Errorf("%s is not set\nThis command runs inside job containers started by 'lodge train launcher=docker'", dispatch.EnvPayload)
	}
	p, err := dispatch.DecodeEnv(encoded)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rs dispatch.RunStore
	namespace := os.Getenv(launcher.EnvNamespace)
	if namespace == "" {
		namespace = p.Experiment
	}
	client, err := openStore(ctx, os.Getenv(launcher.EnvRedisURL), namespace)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		rs = client
	}

	log.Printf("[Job] event=exec_started run_id=%s job_id=%s commit=%s", p.RunID, p.JobID, p.Commit)

	db := protocol.NewDatabase()
	builder := build.NewBuilder(newRegistry(db), db)
	d := dispatch.New(builder, nil, rs, dispatch.Options{
		Experiment: p.Experiment,
		Seed:       p.Seed,
	})

	r, err := d.Execute(ctx, p)
	if err != nil {
		return err
	}
	log.Printf("[Job] event=exec_completed run_id=%s status=%s", r.RunID, r.Status)
	return nil
}
