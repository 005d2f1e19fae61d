package main

import (
	"fmt"
	"time"

	"github.com/BadgerOps/nightsync/internal/batch"
	"github.com/BadgerOps/nightsync/internal/compression"
	"github.com/BadgerOps/nightsync/internal/engine"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Replicate files while the telescope is still observing",
		Long: `Watch the capture directory during the night and replicate each new
file once its size has stopped changing. The loop stops at the configured
cutoff hour, on SIGINT or SIGTERM, or when the source volume disappears.

Without --night the current UTC date is watched.`,
		Example: `  nightsync watch --telescope t1`,
		RunE:    watchRun,
	}
	return cmd
}

func watchRun(cmd *cobra.Command, args []string) error {
	defer flushMetrics()

	night := nightFlag
	if night == "" {
		night = batch.NightOf(time.Now())
	}
	night, err := resolveNight(night, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	rc, tel, err := newRunContext(ctx, night, true)
	if err != nil {
		return err
	}
	defer closeTargets(rc.Targets)

	stage, err := compression.New(compression.Options{
		Enabled: globalCfg.Compression.Enabled,
		Level:   globalCfg.Compression.Level,
	}, logger)
	if err != nil {
		return err
	}

	c := engine.NewController(stage, globalStore, globalMetrics, logger)
	report, err := c.Watch(ctx, rc, engine.WatchOptions{
		CaptureDir:   tel.CaptureDir,
		PollInterval: globalCfg.Watch.PollInterval,
		SettlePolls:  globalCfg.Watch.SettlePolls,
		CutoffHour:   globalCfg.Watch.CutoffHour,
	})
	if report != nil && !quiet {
		printReport(report)
	}
	if err != nil {
		return fmt.Errorf("watch of %s/%s failed: %w", rc.Telescope, rc.Night, err)
	}
	if failures := len(report.Failures()); failures > 0 {
		return fmt.Errorf("watch completed with %d failed transfers", failures)
	}
	return nil
}
