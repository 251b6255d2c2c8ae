package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one reconciliation pass over all tracked repositories",
	Long: `Compare every tracked repository against its shadow baseline and queue a
diff record for each change found: new files, out-of-band edits, deletes,
and renames inferred by content similarity.

This is the same pass the daemon runs periodically; running it by hand is
useful after editing while the daemon was down.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(false)
		if err != nil {
			fatal(err)
		}

		n := a.det.ScanAll()
		fmt.Printf("Scanned %d repos, queued %d diff records\n", len(a.cfg.RepoPaths()), n)
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
