package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/lodge/internal/git"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new lodge project",
	Long: `Initialize a lodge project in the current directory.

Creates:
  • lodge.yml - Project configuration file
  • database.yml - Example protocol database
  • conf/trainer/gpu.yaml - Example config fragment

Use --force to reinitialize an existing project (WARNING: overwrites existing configuration).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing lodge.yml, database.yml and conf/trainer/gpu.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if ok, _ := git.NewChecker("").IsGitRepository(); !ok {
		printer.Warning("not a Git repository: runs will not record a source revision\n")
	}

	if err := scaffold.Initialize(".", forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess(printer.Out)
	return nil
}
