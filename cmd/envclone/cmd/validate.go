package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbcom/envclone/pkg/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validates the replication configuration.

Checks:
- YAML syntax and overlays
- Required fields (role ARNs, regions, prefixes)
- Source and target are not the same resources
- AWS credentials for both accounts (optional)

Examples:
  envclone validate --config envclone.yaml
  envclone validate --config envclone.yaml --check-aws`,
	RunE: runValidate,
}

var checkAWS bool

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&checkAWS, "check-aws", false, "also assume both roles")
}

func runValidate(cmd *cobra.Command, args []string) error {
	l := log.WithFields(log.Fields{
		"action": "runValidate",
	})

	fmt.Printf("Validating configuration: %v\n\n", cfgFiles)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ Config load failed: %v\n", err)
		return err
	}
	fmt.Println("✅ Config file parsed successfully")

	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Config validation failed: %v\n", err)
		return err
	}
	fmt.Println("✅ Config structure validated")

	fmt.Printf("\nConfiguration Summary:\n")
	fmt.Printf("  Source: %s (%s) prefix %q\n", cfg.Source.RoleARN, cfg.Source.Region, cfg.Source.Prefix)
	fmt.Printf("  Target: %s (%s) prefix %q\n", cfg.Target.RoleARN, cfg.Target.Region, cfg.Target.Prefix)
	fmt.Printf("  Kinds: %v\n", cfg.Kinds)
	fmt.Printf("  Parallelism: %d\n", cfg.Pipeline.Parallelism)
	fmt.Printf("  Report: %s\n", cfg.Report.Path)

	if checkAWS {
		fmt.Println("\nValidating AWS access...")
		ctx := context.Background()

		source, target, err := newAccounts(ctx, cfg)
		if err != nil {
			fmt.Printf("❌ AWS validation failed: %v\n", err)
			return err
		}
		for _, a := range []*pipeline.Account{source, target} {
			if _, _, err := a.Session("").Config(ctx); err != nil {
				fmt.Printf("❌ %s account: %v\n", a.Name, err)
				return err
			}
			fmt.Printf("✅ %s account credentials valid\n", a.Name)
		}
	}

	l.Info("Validation completed successfully")
	fmt.Println("\n✅ All validations passed")
	return nil
}
