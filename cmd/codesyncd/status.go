package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codesync-hq/codesyncd/internal/lock"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, account, and lock holders",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(false)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Root:          %s\n", a.settings.RootDir)
		fmt.Printf("Tracked repos: %d\n", len(a.cfg.RepoPaths()))

		if user, ok := a.users.ActiveUser(); ok {
			fmt.Printf("Account:       %s\n", user.Email)
		} else {
			fmt.Println("Account:       not signed in")
		}

		if depth, err := a.q.Depth(); err == nil {
			fmt.Printf("Queue depth:   %d\n", depth)
		} else {
			fmt.Printf("Queue depth:   unknown (%v)\n", err)
		}

		for _, name := range []string{lock.Detector, lock.Sender} {
			l, err := a.newLock(name, nil)
			if err != nil {
				continue
			}
			if holder := l.Holder(); holder != "" {
				fmt.Printf("%-8s lock: held (%s)\n", name, holder)
			} else {
				fmt.Printf("%-8s lock: free\n", name)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
