package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbcom/envclone/pkg/pipeline"
)

var force bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration",
	Long: `Writes an example configuration to envclone.yaml (or path).
Edit the role ARNs and prefixes before the first run.

Examples:
  envclone init
  envclone init stage.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "envclone.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := pipeline.ExampleConfig().WriteConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
