package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbcom/envclone/pkg/pipeline"
	"github.com/jbcom/envclone/pkg/report"
	"github.com/jbcom/envclone/stores/dynamotables"
	"github.com/jbcom/envclone/stores/s3buckets"
	"github.com/jbcom/envclone/stores/userpools"
)

var (
	kinds        []string
	assumeYes    bool
	dryRun       bool
	outputFormat string
	reportPath   string
)

// cloneCmd replicates the configured resources
var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Replicate resources from the source account to the target account",
	Long: `Runs a replication:

1. DISCOVERY: list every resource of the selected kinds whose name starts
   with the source prefix, and derive the target names.

2. CONFIRMATION: show the plan, then show the target resources that will be
   overwritten. Declining either prompt leaves both accounts untouched.

3. SNAPSHOT: take a backup of every table and wait for it to be available.

4. TRANSFER: restore tables, copy buckets and user pools, in parallel
   (respects pipeline.parallelism).

5. REPORT: write replication-report.json, whatever happened.

Exit codes: 0 = everything replicated (or declined), 2 = some resources failed,
1 = the run could not start or was aborted.

Examples:
  envclone clone --config envclone.yaml
  envclone clone --config envclone.yaml --dry-run --output json
  envclone clone --config envclone.yaml --kinds buckets,userpools --yes`,
	RunE: runClone,
}

func init() {
	rootCmd.AddCommand(cloneCmd)

	cloneCmd.Flags().StringSliceVar(&kinds, "kinds", nil, "comma-separated resource kinds: userpools, buckets, tables (default: from config)")
	cloneCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to every confirmation prompt")
	cloneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover and confirm only; nothing is changed")
	cloneCmd.Flags().StringVarP(&outputFormat, "output", "o", "human", "output format: human, json, github, compact")
	cloneCmd.Flags().StringVar(&reportPath, "report", "", "report file path (default: from config)")
}

func runClone(cmd *cobra.Command, args []string) error {
	l := log.WithFields(log.Fields{
		"action": "runClone",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(kinds) > 0 {
		cfg.SetKinds(kinds)
	}
	if reportPath != "" {
		cfg.Report.Path = reportPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		l.Warn("Received shutdown signal")
		cancel()
	}()

	source, target, err := newAccounts(ctx, cfg)
	if err != nil {
		return err
	}

	var gate pipeline.Gate = pipeline.NewTerminalGate(os.Stdin, os.Stdout)
	if assumeYes {
		gate = pipeline.AutoApprove{}
	}

	p, err := pipeline.New(cfg, source, target, gate, resourceKinds(cfg, source, target)...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	opts := pipeline.DefaultOptions(cfg)
	if dryRun {
		opts.DryRun = true
	}

	l.WithFields(log.Fields{
		"config": cfgFiles,
		"kinds":  cfg.Kinds,
		"dryRun": opts.DryRun,
	}).Info("Starting replication")

	doc, err := p.Run(ctx, opts)
	if errors.Is(err, pipeline.ErrDeclined) {
		fmt.Println("Replication declined; nothing was changed.")
		return nil
	}

	if opts.DryRun {
		printPlan(p)
	}
	fmt.Println(report.Format(doc, report.ParseOutputFormat(outputFormat)))

	if err != nil {
		return err
	}
	if code := doc.ExitCode(); code != 0 {
		os.Exit(code)
	}
	l.Info("Replication completed successfully")
	return nil
}

// resourceKinds builds a store for every configured kind, in replication order.
func resourceKinds(cfg *pipeline.Config, source, target *pipeline.Account) []pipeline.ResourceKind {
	var out []pipeline.ResourceKind
	for _, k := range pipeline.KnownKinds {
		if !cfg.HasKind(k) {
			continue
		}
		switch k {
		case pipeline.KindUserPools:
			out = append(out, userpools.New(source, target, cfg))
		case pipeline.KindBuckets:
			out = append(out, s3buckets.New(source, target, cfg))
		case pipeline.KindTables:
			out = append(out, dynamotables.New(source, target, cfg))
		}
	}
	return out
}

func printPlan(p *pipeline.Pipeline) {
	plan := p.Plan()
	fmt.Printf("\nDry run: %d resource(s) would be replicated\n", len(plan.Candidates))
	for _, d := range plan.Candidates {
		fmt.Printf("  %s: %s -> %s\n", d.Kind, d.SourceName, d.TargetName)
	}
	if len(plan.Existing) > 0 {
		fmt.Printf("\n%d target resource(s) already exist\n", len(plan.Existing))
		for _, d := range plan.Existing {
			fmt.Printf("  %s\n", p.DescribeExisting(d))
		}
	}
}
