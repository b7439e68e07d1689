package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent transfers from the local journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if S2B.Journal == nil {
			fmt.Println("No journal available.")
			return nil
		}

		records, err := S2B.Journal.Recent(cmd.Context(), logLimit)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No transfers yet.")
			return nil
		}

		// 对齐输出 (仿 docker ps 风格)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tDIRECTION\tSNAPSHOT\tKEY\tOBJECTS\tBYTES\tDURATION")
		for _, r := range records {
			snap := r.SnapshotID
			if snap == "" {
				snap = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				r.StartedAt.Format(time.RFC3339),
				r.Direction,
				snap,
				r.Key,
				r.Objects,
				r.Bytes,
				time.Duration(r.DurationMS)*time.Millisecond,
			)
		}
		return w.Flush()
	},
}

func init() {
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum number of entries to show")
	rootCmd.AddCommand(logCmd)
}
