package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"zmt/internal/backup"
	"zmt/internal/util"
	"zmt/internal/verify"
)

// printBackupSummary recaps the run per dataset, target group and sink.
// The log file has the full story; this is the operator-facing table.
func printBackupSummary(report *backup.Report, dryRun bool) {
	fmt.Println()
	if dryRun {
		fmt.Println("=== DRY RUN MODE ===")
	}

	rows := 0
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dataset", "Step", "Group", "Sink", "Status", "Size")

	for _, st := range report.Steps {
		if st.Planned {
			_ = table.Append([]string{st.Dataset, st.Label(), "-", "-", "planned", "-"})
			rows++
			continue
		}
		if st.SendErr != nil {
			_ = table.Append([]string{st.Dataset, st.Label(), "-", "-", "send failed: " + st.SendErr.Error(), "-"})
			rows++
		}
		for _, res := range st.Results {
			status, size := "complete", util.HumanBytes(res.Bytes)
			if res.Err != nil {
				status, size = "failed: "+res.Err.Error(), "-"
			}
			_ = table.Append([]string{st.Dataset, st.Label(), res.Group, res.SinkID, status, size})
			rows++
		}
		for _, sk := range st.Skipped {
			_ = table.Append([]string{st.Dataset, st.Label(), sk.Need.Group, sk.Need.Sink, "skipped: " + sk.Reason, "-"})
			rows++
		}
	}
	for _, b := range report.Broken {
		_ = table.Append([]string{b.Dataset, "-", b.Group, "-", fmt.Sprintf("chain broken, sequence %d unavailable", b.Seq), "-"})
		rows++
	}
	for _, d := range report.DeadSinks {
		_ = table.Append([]string{"-", "-", d.Group, d.SinkID, "unreachable: " + d.Err.Error(), "-"})
		rows++
	}

	if rows > 0 {
		_ = table.Render()
	} else {
		fmt.Println("Nothing to do, all sinks are up to date.")
	}
	for _, err := range report.Errs {
		fmt.Println("error:", err)
	}
	fmt.Printf("Run %s finished in %s.\n", report.Run, report.Took.Round(time.Millisecond))
}

func printVerifySummary(f *verify.Findings) {
	fmt.Println()
	if len(f.Items) > 0 || len(f.Dead) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Dataset", "Seq", "Group", "Sink", "Finding")
		for _, item := range f.Items {
			e := item.Entry
			_ = table.Append([]string{
				e.Dataset,
				strconv.FormatUint(e.Seq, 10),
				e.TargetGroup,
				e.Sink,
				fmt.Sprintf("%s: %v", item.Class, item.Err),
			})
		}
		for _, d := range f.Dead {
			_ = table.Append([]string{"-", "-", d.Group, d.SinkID, "unreachable: " + d.Err.Error()})
		}
		_ = table.Render()
	}
	fmt.Printf("Run %s checked %d artifacts in %s: %d ok, %d missing, %d mismatched, %d unreadable.\n",
		f.Run, f.Checked, f.Took.Round(time.Millisecond),
		f.OK, f.Missing, f.Mismatched, f.Unreadable)
}
