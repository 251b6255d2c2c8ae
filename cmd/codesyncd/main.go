package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootDirFlag string

var rootCmd = &cobra.Command{
	Use:   "codesyncd",
	Short: "Background file sync daemon",
	Long: `codesyncd keeps tracked repositories in sync with a CodeSync server.

It records every local change as a durable diff record on disk, so nothing
is lost across restarts or network outages, and delivers pending records
over an authenticated websocket connection. A record only leaves the queue
once the server acknowledges it.

Commands:
  run     start the daemon (watcher, reconciliation scan, delivery)
  scan    run one reconciliation pass and exit
  flush   run one delivery pass and exit
  status  show queue depth, locks and delivery state`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDirFlag, "root", "", "codesync root directory (default ~/.codesync)")
}
