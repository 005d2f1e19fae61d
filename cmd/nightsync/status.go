package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent runs, audits and outstanding failures",
		Long: `Display the recent replication runs and audits recorded in the run store,
along with transfers that have failed and not yet been resolved by a later
run. Use --telescope to restrict the output to one telescope.`,
		Example: `  nightsync status
  nightsync status --telescope t1 --limit 20
  nightsync status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs and audits to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only unresolved failed transfers")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized (is db_path set?)")
	}

	if !statusFailed {
		runs, err := globalStore.ListRuns(telescopeID, statusLimit)
		if err != nil {
			return err
		}
		fmt.Println("Recent Runs")
		fmt.Println("===========")
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
		} else {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Started", "Telescope", "Night", "Operation", "Status", "Files", "Verified", "Skipped", "Failed", "Sent"})
			for _, r := range runs {
				op := r.Operation
				if r.CheckOnly {
					op += " (check)"
				}
				table.Append([]string{
					humanize.Time(r.StartTime),
					r.Telescope,
					r.Night,
					op,
					r.Status,
					strconv.Itoa(r.FilesTotal),
					strconv.Itoa(r.FilesVerified),
					strconv.Itoa(r.FilesSkipped),
					strconv.Itoa(r.FilesFailed),
					humanize.IBytes(uint64(r.BytesTransferred)),
				})
			}
			table.Render()
		}

		audits, err := globalStore.ListAudits(telescopeID, statusLimit)
		if err != nil {
			return err
		}
		fmt.Println("\nRecent Audits")
		fmt.Println("=============")
		if len(audits) == 0 {
			fmt.Println("No audits recorded.")
		} else {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Checked", "Telescope", "Night", "Sources", "Passed", "Staged", "Reasons"})
			for _, a := range audits {
				table.Append([]string{
					humanize.Time(a.CreatedAt),
					a.Telescope,
					a.Night,
					strconv.Itoa(a.SourceCount),
					yesNo(a.Passed),
					yesNo(a.Staged),
					strings.Join(a.Reasons, "; "),
				})
			}
			table.Render()
		}
		fmt.Println()
	}

	failed, err := globalStore.ListFailedTransfers(telescopeID, "")
	if err != nil {
		return err
	}
	fmt.Println("Unresolved Failed Transfers")
	fmt.Println("===========================")
	if len(failed) == 0 {
		fmt.Println("None.")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Night", "Target", "File", "Cause", "Retries", "Last Failure"})
	for _, f := range failed {
		table.Append([]string{
			f.Night,
			f.Target,
			f.FilePath,
			f.Cause,
			strconv.Itoa(f.RetryCount),
			humanize.Time(f.LastFailure),
		})
	}
	table.Render()
	return nil
}
