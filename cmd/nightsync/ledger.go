package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BadgerOps/nightsync/internal/ledger"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	ledgerTarget string
	ledgerRaw    bool
	ledgerFailed bool
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the ledger entries of a night",
		Long: `Show the latest ledger entry of every file of a night, per target.
With --raw every line of the ledger is printed in file order.`,
		Example: `  nightsync ledger --telescope t1 --night 20261017
  nightsync ledger --target archive --failed
  nightsync ledger --target archive --raw`,
		RunE: ledgerRun,
	}

	cmd.Flags().StringVar(&ledgerTarget, "target", "", "only show this target")
	cmd.Flags().BoolVar(&ledgerRaw, "raw", false, "print every ledger line instead of the latest per file")
	cmd.Flags().BoolVar(&ledgerFailed, "failed", false, "only show files whose latest entry failed")

	return cmd
}

func ledgerRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	tel, err := selectTelescope(globalCfg, telescopeID)
	if err != nil {
		return err
	}
	night, err := resolveNight(nightFlag, time.Now())
	if err != nil {
		return err
	}

	names := []string{ledgerTarget}
	if ledgerTarget == "" {
		names, err = ledger.Targets(globalCfg.LedgerDir, tel.ID, night)
		if err != nil {
			return fmt.Errorf("failed to list ledgers: %w", err)
		}
	}
	if len(names) == 0 {
		fmt.Printf("No ledgers for %s night %s\n", tel.ID, night)
		return nil
	}

	for _, name := range names {
		p := ledger.Path(globalCfg.LedgerDir, tel.ID, night, name)
		entries, err := ledger.Read(p)
		if err != nil {
			return err
		}
		if ledgerRaw {
			fmt.Printf("# %s\n", p)
			for _, e := range entries {
				if ledgerFailed && e.Outcome != ledger.Failed {
					continue
				}
				fmt.Println(e.String())
			}
			continue
		}
		printLatest(name, ledger.Latest(entries))
	}
	return nil
}

func printLatest(name string, latest map[string]ledger.Entry) {
	paths := make([]string, 0, len(latest))
	ok := 0
	for p, e := range latest {
		if e.Outcome == ledger.Success {
			ok++
		}
		if ledgerFailed && e.Outcome != ledger.Failed {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fmt.Printf("\n%s: %d files, %d succeeded, %d failed\n", name, len(latest), ok, len(latest)-ok)
	if len(paths) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Outcome", "File", "Digest", "Location"})
	for _, p := range paths {
		e := latest[p]
		table.Append([]string{string(e.Outcome), p, e.LocalDigest.Short(), e.Location})
	}
	table.Render()
}
