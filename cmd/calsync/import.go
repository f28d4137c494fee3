package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/migrate"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <events.jsonl>",
	GroupID: "events",
	Short:   "Import events from a JSONL file",
	Long: `Create one event per line of a JSONL file.

Each line is an object with summary, start, end and optionally description
and color_id. Imported events are unsaved until the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		calendar, _ := cmd.Flags().GetString("calendar")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		result, err := migrate.Import(context.Background(), a.store, migrate.ImportOptions{
			FromJSONL:  args[0],
			CalendarID: calendar,
			DryRun:     dryRun,
			Backup:     backup,
		})
		if err != nil {
			fatalf("%v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d events into %s\n", ui.RenderPass(ui.IconPass), verb, result.Created, result.Read, result.Collection)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "   %s %s\n", ui.RenderWarn(ui.IconWarn), e)
		}
	},
}

func init() {
	importCmd.Flags().StringP("calendar", "c", "", "Calendar id (required)")
	importCmd.Flags().Bool("dry-run", false, "Validate without changing the cache")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside first")
	_ = importCmd.MarkFlagRequired("calendar")

	rootCmd.AddCommand(importCmd)
}
