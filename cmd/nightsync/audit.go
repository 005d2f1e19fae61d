package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BadgerOps/nightsync/internal/engine"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var auditCheckOnly bool

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile a night against every target and stage it for deletion",
		Long: `Audit a night: compare the source files with each target's ledger and
live file count. When every required target is reconciled and the night is
over, the source Images and Logs directories of the night are renamed with a
staged-for-deletion marker. Nothing is ever deleted by the audit itself; see
the sweep command.

With --check-only the verdict is reported but nothing is renamed or recorded.`,
		Example: `  nightsync audit --telescope t1
  nightsync audit --telescope t1 --night 20261017 --check-only`,
		RunE: auditRun,
	}

	cmd.Flags().BoolVar(&auditCheckOnly, "check-only", false, "report the verdict without staging or recording it")

	return cmd
}

func auditRun(cmd *cobra.Command, args []string) error {
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
	rc.CheckOnly = auditCheckOnly

	a := engine.NewAuditor(globalStore, globalMetrics, logger)
	audit, err := a.Audit(ctx, rc)
	if audit != nil && !quiet {
		printAudit(audit)
	}
	if err != nil {
		return fmt.Errorf("audit of %s/%s failed: %w", rc.Telescope, rc.Night, err)
	}
	if audit.Verdict != engine.VerdictPass {
		return fmt.Errorf("night %s of %s is not reconciled", rc.Night, rc.Telescope)
	}
	return nil
}

func printAudit(audit *engine.NightAudit) {
	fmt.Printf("\nAudit of night %s on %s: %s (%d source files)\n\n",
		audit.Night, audit.Telescope, audit.Verdict, audit.SourceCount)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Target", "Required", "Ledger OK", "Ledger Failed", "Live", "Reconciled"})
	for _, t := range audit.Targets {
		live := "unknown"
		if t.LiveKnown {
			live = strconv.Itoa(t.Live)
		}
		table.Append([]string{
			t.Target,
			yesNo(t.Required),
			strconv.Itoa(t.Successes),
			strconv.Itoa(t.Failures),
			live,
			yesNo(t.Reconciled),
		})
	}
	table.Render()

	if len(audit.Reasons) > 0 {
		fmt.Println("\nReasons:")
		for _, r := range audit.Reasons {
			fmt.Printf("  - %s\n", r)
		}
	}
	switch {
	case len(audit.Staged) > 0:
		fmt.Println("\nStaged for deletion:")
		for _, s := range audit.Staged {
			fmt.Printf("  %s -> %s\n", s.From, s.To)
		}
	case audit.Eligible:
		fmt.Println("\nEligible for deletion (not staged)")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
