package main

import (
	"fmt"
	"time"

	"github.com/BadgerOps/nightsync/internal/engine"
	"github.com/spf13/cobra"
)

var sweepRetentionDays int

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove staged night directories past their retention",
		Long: `Remove the night directories that an audit renamed with the
staged-for-deletion marker once the marker is older than the retention
period. Only the marker names are consulted; replica targets are never
touched.`,
		Example: `  nightsync sweep --telescope t1
  nightsync sweep --telescope t1 --retention-days 30`,
		RunE: sweepRun,
	}

	cmd.Flags().IntVar(&sweepRetentionDays, "retention-days", 0, "days a staged directory is kept (default from config)")

	return cmd
}

func sweepRun(cmd *cobra.Command, args []string) error {
	defer flushMetrics()

	retention := globalCfg.RetentionDays
	if cmd.Flags().Changed("retention-days") {
		retention = sweepRetentionDays
	}

	night, err := resolveNight(nightFlag, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	rc, _, err := newRunContext(ctx, night, false)
	if err != nil {
		return err
	}

	report, err := engine.NewAuditor(globalStore, globalMetrics, logger).Sweep(ctx, rc, retention)
	if report != nil && !quiet {
		fmt.Printf("Removed %d staged directories, kept %d (retention %d days)\n",
			len(report.Removed), len(report.Kept), retention)
		for _, p := range report.Removed {
			fmt.Printf("  removed %s\n", p)
		}
	}
	if err != nil {
		return fmt.Errorf("sweep of %s failed: %w", rc.Telescope, err)
	}
	return nil
}
