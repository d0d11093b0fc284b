package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbcom/envclone/pkg/pipeline"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show who envclone acts as in each account",
	Long: `Assumes the source and target roles and displays, for each:
- The caller identity (account, ARN)
- Organization membership, when visible

Run this before a first replication to check the roles trust this identity.

Examples:
  envclone context --config envclone.yaml`,
	RunE: runContext,
}

func init() {
	rootCmd.AddCommand(contextCmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	source, target, err := newAccounts(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("AWS Execution Context")
	fmt.Println(strings.Repeat("=", 60))

	var managed bool
	for _, a := range []*pipeline.Account{source, target} {
		ac, err := pipeline.DescribeAccount(ctx, a)
		if err != nil {
			return fmt.Errorf("failed to describe %s account: %w", a.Name, err)
		}
		fmt.Println()
		fmt.Print(ac.Summary())
		if ac.OrganizationInfo != nil && ac.OrganizationInfo.IsManagementAccount {
			managed = true
		}
	}

	if managed {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 60))
		fmt.Println("⚠️  One of the roles lives in the MANAGEMENT ACCOUNT")
		fmt.Println("   Replicating into or out of it is not recommended.")
	}
	return nil
}
