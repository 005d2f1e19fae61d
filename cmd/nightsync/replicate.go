package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BadgerOps/nightsync/internal/compression"
	"github.com/BadgerOps/nightsync/internal/engine"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var replicateCheckOnly bool

func newReplicateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replicate a night's files to every configured target",
		Long: `Replicate every image and log of a night to each configured target and
verify each copy by SHA256.

For every (file, target) pair the replicate command will:
  1. Skip the pair when the destination already holds a matching copy
  2. Transfer the file, replacing a mismatched destination
  3. Re-hash the destination and retry once on mismatch
  4. Record the outcome in the target's ledger

Targets that are unreachable or short on space are excluded for the whole
run. With --check-only nothing is written anywhere.`,
		Example: `  nightsync replicate --telescope t1
  nightsync replicate --telescope t1 --night 20261017
  nightsync replicate --check-only`,
		RunE: replicateRun,
	}

	cmd.Flags().BoolVar(&replicateCheckOnly, "check-only", false, "report what would be transferred without writing anything")

	return cmd
}

func replicateRun(cmd *cobra.Command, args []string) error {
	defer flushMetrics()

	night, err := resolveNight(nightFlag, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	rc, _, err := newRunContext(ctx, night, true)
	if err != nil {
		return err
	}
	defer closeTargets(rc.Targets)
	rc.CheckOnly = replicateCheckOnly

	stage, err := compression.New(compression.Options{
		Enabled: globalCfg.Compression.Enabled,
		Level:   globalCfg.Compression.Level,
	}, logger)
	if err != nil {
		return err
	}

	c := engine.NewController(stage, globalStore, globalMetrics, logger)
	report, err := c.Replicate(ctx, rc)
	if report != nil && !quiet {
		printReport(report)
	}
	if err != nil {
		return fmt.Errorf("replication of %s/%s failed: %w", rc.Telescope, rc.Night, err)
	}
	if failures := len(report.Failures()); failures > 0 {
		return fmt.Errorf("replication completed with %d failed transfers", failures)
	}
	return nil
}

// printReport renders a run report as a per-target table followed by any
// failed pairs.
func printReport(report *engine.RunReport) {
	verified, skipped, failed := report.FileCounts()
	mode := ""
	if report.CheckOnly {
		mode = " (check only)"
	}
	fmt.Printf("\nNight %s on %s%s\n", report.Night, report.Telescope, mode)
	fmt.Printf("Files: %d  verified: %d  skipped: %d  failed: %d  compressed: %d  rejected: %d\n\n",
		report.Files, verified, skipped, failed, report.Compressed, len(report.Rejected))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Target", "Verified", "Skipped", "Failed", "Pending", "Sent"})
	for _, s := range report.Summaries() {
		table.Append([]string{
			s.Target,
			strconv.Itoa(s.Verified),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Pending),
			humanize.IBytes(uint64(s.Bytes)),
		})
	}
	table.Render()

	if failures := report.Failures(); len(failures) > 0 {
		fmt.Println("\nFailed transfers:")
		for _, f := range failures {
			fmt.Printf("  - %s -> %s [%s]: %s\n", f.File, f.Target, f.Cause, f.Error)
		}
	}
	if report.Aborted != "" {
		fmt.Printf("\nRun aborted: %s\n", report.Aborted)
	}
}
