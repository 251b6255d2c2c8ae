package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesync-hq/codesyncd/internal/detector"
	"github.com/codesync-hq/codesyncd/internal/lock"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the daemon: watch tracked repositories for changes, reconcile
out-of-band edits on a fixed interval, and deliver pending diffs.

Detection and delivery are each guarded by a cross-process lock, so
multiple daemons against the same root coexist: whoever holds a lock does
that job, everyone else stands by. Losing the detector lock stops this
process's watcher; delivery re-checks its lock every tick.

Example usage:
  codesyncd run                      # Use ~/.codesync
  codesyncd run --root /tmp/cs       # Custom root directory`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(true)
		if err != nil {
			fatal(err)
		}
		logger := a.logs.For("daemon")

		detectorLost := make(chan struct{}, 1)
		detectorLock, err := a.newLock(lock.Detector, func() {
			select {
			case detectorLost <- struct{}{}:
			default:
			}
		})
		if err != nil {
			fatal(err)
		}
		senderLock, err := a.newLock(lock.Sender, nil)
		if err != nil {
			fatal(err)
		}

		// Detection runs only while this process holds its lock.
		var watcher *detector.Watcher
		scanDone := make(chan struct{})
		scanStopped := make(chan struct{})
		detecting := false

		stopDetection := func() {
			if !detecting {
				return
			}
			detecting = false
			close(scanDone)
			<-scanStopped
			if err := watcher.Stop(); err != nil {
				logger.Printf("Failed to stop watcher: %v", err)
			}
			if err := detectorLock.Release(); err != nil {
				logger.Printf("Failed to release detector lock: %v", err)
			}
		}

		switch err := detectorLock.Acquire(); {
		case err == nil:
			watcher, err = detector.NewWatcher(a.det, a.settings.DebounceInterval, a.logs.For("watcher"))
			if err != nil {
				fatal(err)
			}
			if err := watcher.Start(a.cfg.RepoPaths()); err != nil {
				fatal(err)
			}
			detecting = true
			go scanLoop(a.det, a.settings.ScanInterval, scanDone, scanStopped)
		case errors.Is(err, lock.ErrHeld):
			logger.Printf("Detector lock held elsewhere, running delivery only")
			close(scanStopped)
		default:
			fatal(err)
		}

		coord, err := a.coordinator(senderLock)
		if err != nil {
			fatal(err)
		}
		if err := coord.Start(); err != nil {
			fatal(err)
		}

		fmt.Printf("codesyncd running (root %s)\n", a.settings.RootDir)
		fmt.Printf("Tracked repos: %d, queue depth: %s\n", len(a.cfg.RepoPaths()), depthString(a))
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		for {
			select {
			case <-detectorLost:
				// Another process took over detection; keep delivering.
				logger.Printf("Detector lock lost, stopping watcher")
				stopDetection()
				continue
			case <-ctx.Done():
			}
			break
		}

		fmt.Println("\nShutting down...")
		stopDetection()
		coord.Stop()
		if err := senderLock.Release(); err != nil {
			logger.Printf("Failed to release sender lock: %v", err)
		}
		fmt.Println("codesyncd stopped")
	},
}

// scanLoop runs the reconciliation pass on a fixed interval, starting with
// an immediate pass to pick up changes made while the daemon was down.
func scanLoop(det *detector.Detector, interval time.Duration, done, stopped chan struct{}) {
	defer close(stopped)

	det.ScanAll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			det.ScanAll()
		}
	}
}

func depthString(a *app) string {
	depth, err := a.q.Depth()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", depth)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
