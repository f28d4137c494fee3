package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	csync "github.com/mschirtzinger/calsync/internal/sync"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Submit local edits and refresh the cache once",
	Long: `Submit the unsaved edits of every active collection and refetch it.

Active collections are the calendar catalog, the calendars listed in
daemon.calendars and every collection already in the cache. Use --calendar
to limit the run to specific calendars.

For each collection:
  1. Dirty records are sent as one batch
  2. Per-item outcomes are folded back into the cache
  3. The server copy is fetched and reconciled`,
	Run: func(cmd *cobra.Command, args []string) {
		calendars, _ := cmd.Flags().GetStringSlice("calendar")
		noFetch, _ := cmd.Flags().GetBool("no-fetch")

		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		colls, err := a.activeCollections()
		if err != nil {
			fatalf("%v", err)
		}
		if len(calendars) > 0 {
			colls = make([]csync.Collection, 0, len(calendars))
			for _, id := range calendars {
				colls = append(colls, csync.Events(id))
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		failed := 0
		for _, c := range colls {
			start := time.Now()
			res, err := a.engine.Mutate(ctx, c)
			if err == nil && !noFetch {
				err = a.engine.Refetch(ctx, c)
			}
			elapsed := time.Since(start).Round(time.Millisecond)

			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", ui.RenderFail(ui.IconFail), c.Name, err)
				continue
			}
			fmt.Printf("%s %s %s (%v)\n", ui.RenderPass(ui.IconPass), c.Name, describeResult(res), elapsed)
			for _, itemErr := range res.Errors {
				fmt.Printf("   %s %v\n", ui.RenderWarn(ui.IconWarn), itemErr)
			}
		}

		for _, c := range a.conflicts.Recent() {
			fmt.Printf("%s %s: %s\n", ui.RenderWarn(ui.IconWarn), c.Collection, c.Message)
		}

		if failed > 0 {
			fmt.Fprintf(os.Stderr, "%d of %d collections failed; unsaved edits are kept for the next sync\n", failed, len(colls))
			exit(1)
		}
	},
}

func describeResult(res *csync.Result) string {
	if res == nil || res.Submitted == 0 {
		return ui.RenderMuted("nothing to send")
	}
	s := fmt.Sprintf("sent %d: %d created, %d updated, %d deleted", res.Submitted, res.Created, res.Updated, res.Deleted)
	if res.Resolved > 0 {
		s += fmt.Sprintf(", %d already applied", res.Resolved)
	}
	if res.Conflicts > 0 {
		s += fmt.Sprintf(", %d conflicts", res.Conflicts)
	}
	return s
}

func init() {
	syncCmd.Flags().StringSlice("calendar", nil, "Only sync these calendar ids")
	syncCmd.Flags().Bool("no-fetch", false, "Submit edits without refetching")

	rootCmd.AddCommand(syncCmd)
}
