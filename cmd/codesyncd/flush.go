package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesync-hq/codesyncd/internal/lock"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one delivery pass and exit",
	Long: `Sample the diff queue and deliver the batch over a single websocket
session, waiting for server acknowledgements. Requires a signed-in
account and the sender lock; if a daemon holds the lock the flush is a
no-op (the daemon is already delivering).`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		a, err := newApp(false)
		if err != nil {
			fatal(err)
		}

		senderLock, err := a.newLock(lock.Sender, nil)
		if err != nil {
			fatal(err)
		}
		defer senderLock.Release()

		coord, err := a.coordinator(senderLock)
		if err != nil {
			fatal(err)
		}

		before, _ := a.q.Depth()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := coord.RunOnce(ctx); err != nil {
			fatal(err)
		}

		after, _ := a.q.Depth()
		fmt.Printf("Queue depth %d -> %d (%s)\n", before, after, coord.Status().State)
	},
}

func init() {
	flushCmd.Flags().Duration("timeout", time.Minute, "Overall pass timeout")
	rootCmd.AddCommand(flushCmd)
}
