package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lodge",
	Short: "lodge - configuration-driven training launcher",
	Long: `lodge composes configuration fragments and command-line overrides into
fully resolved training jobs, then runs them locally or submits them to a
cluster as containers.

  lodge train protocol=AMI.SpeakerDiarization.only_words task.duration=2.0
  lodge train --cfg job protocol=AMI.SpeakerDiarization.only_words
  lodge train -m +model.lstm.num_layers=2,3,4 protocol=...`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors have already been printed when it
// returns.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		renderError(err)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "lodge.yml", "Project configuration file")
}
