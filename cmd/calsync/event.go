package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/daemon"
	"github.com/mschirtzinger/calsync/internal/schema"
	csync "github.com/mschirtzinger/calsync/internal/sync"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var eventCmd = &cobra.Command{
	Use:     "event",
	GroupID: "events",
	Short:   "Create, list, edit and delete events",
	Long: `Work with the events of one calendar.

Edits are applied to the local cache at once and submitted by the next
'calsync sync', by a running daemon, or immediately with --sync. With
--inbox the edit is handed to a running daemon instead of touching the
cache directly.`,
}

var eventAddCmd = &cobra.Command{
	Use:   "add <summary>",
	Short: "Add an event",
	Long: `Add an event to a calendar.

--when accepts natural language or a timestamp:
  calsync event add "Standup" --calendar work --when "tomorrow 9:30am" --duration 15m
  calsync event add "Review" --calendar work --when "2026-04-02 14:00"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		whenText, _ := cmd.Flags().GetString("when")
		duration, _ := cmd.Flags().GetDuration("duration")
		description, _ := cmd.Flags().GetString("description")
		color, _ := cmd.Flags().GetString("color")

		if whenText == "" {
			fatalf("--when is required")
		}
		start, err := parseWhen(whenText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		rec := schema.Record{
			Summary:     strings.Join(args, " "),
			Description: description,
			Start:       start,
			End:         start.Add(duration),
			ColorID:     color,
		}
		runEventAction(cmd, schema.Action{Type: schema.ActionCreate, Record: rec})
	},
}

var eventEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an event",
	Long: `Change an event's content. Unset flags keep the current value.

The id may be the server id or the temporary id printed by 'event add'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		coll := eventCollection(cmd)

		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		cur, err := a.store.Record(coll.Name, args[0])
		a.Close()
		if err != nil {
			fatalf("%s in %s: %v", args[0], coll.Name, err)
		}

		rec := cur
		flags := cmd.Flags()
		if flags.Changed("summary") {
			rec.Summary, _ = flags.GetString("summary")
		}
		if flags.Changed("description") {
			rec.Description, _ = flags.GetString("description")
		}
		if flags.Changed("color") {
			rec.ColorID, _ = flags.GetString("color")
		}
		length := cur.End.Sub(cur.Start)
		if flags.Changed("duration") {
			length, _ = flags.GetDuration("duration")
		}
		if flags.Changed("when") {
			whenText, _ := flags.GetString("when")
			start, err := parseWhen(whenText, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			rec.Start = start
		}
		rec.End = rec.Start.Add(length)

		runEventAction(cmd, schema.Action{Type: schema.ActionUpdate, Record: rec, Previous: &cur})
	},
}

var eventDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an event",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runEventAction(cmd, schema.Action{Type: schema.ActionDelete, Record: schema.Record{ID: args[0]}})
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached events of a calendar",
	Run: func(cmd *cobra.Command, args []string) {
		coll := eventCollection(cmd)
		showDeleting, _ := cmd.Flags().GetBool("all")

		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		records := a.store.Get(coll.Name)
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			if r.IsDeleting && !showDeleting {
				continue
			}
			rows = append(rows, []string{r.ID, r.Summary, ui.RenderSpan(r.Start.Local(), r.End.Local()), recordState(r)})
		}
		if len(rows) == 0 {
			fmt.Printf("No cached events in %s\n", coll.Name)
			return
		}
		fmt.Print(ui.Table([]string{"ID", "SUMMARY", "WHEN", "STATE"}, rows))
	},
}

func recordState(r schema.Record) string {
	switch {
	case r.IsDeleting:
		return ui.RenderFail("deleting")
	case r.IsCreating():
		return ui.RenderWarn("creating")
	case r.IsDirty():
		return ui.RenderWarn("unsaved")
	default:
		return ui.RenderMuted("saved")
	}
}

// parseWhen reads a timestamp or a natural-language time relative to now.
func parseWhen(text string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

func eventCollection(cmd *cobra.Command) csync.Collection {
	id, _ := cmd.Flags().GetString("calendar")
	if id == "" {
		fatalf("--calendar is required")
	}
	return csync.Events(id)
}

// runEventAction applies act to the calendar's collection, queues it for the
// daemon with --inbox, or applies and submits it with --sync.
func runEventAction(cmd *cobra.Command, act schema.Action) {
	coll := eventCollection(cmd)
	viaInbox, _ := cmd.Flags().GetBool("inbox")
	submit, _ := cmd.Flags().GetBool("sync")

	if viaInbox {
		path, err := daemon.WriteInboxFile(cfg.Daemon.Inbox, daemon.InboxAction{Collection: coll.Name, Action: act})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Queued %s for the daemon (%s)\n", ui.RenderAccent(ui.IconDot), act.Type, path)
		return
	}

	open := openCache
	if submit {
		open = openApp
	}
	a, err := open()
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	list, err := a.store.Apply(coll.Name, act)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s %s %s\n", ui.RenderPass(ui.IconPass), act.Type, describeTarget(list, act))

	if !submit {
		return
	}
	res, err := a.engine.Mutate(context.Background(), coll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s Not sent, will retry on next sync: %v\n", ui.RenderWarn(ui.IconWarn), err)
		return
	}
	fmt.Printf("%s %s\n", ui.RenderPass(ui.IconPass), describeResult(res))
}

// describeTarget names the record an action landed on. Creates report the
// newly assigned temporary id.
func describeTarget(list []schema.Record, act schema.Action) string {
	if act.Type != schema.ActionCreate {
		return act.Record.ID
	}
	for i := len(list) - 1; i >= 0; i-- {
		r := list[i]
		if r.IsCreating() && !r.IsDeleting && r.Summary == act.Record.Summary {
			return fmt.Sprintf("%s %q", r.ID, r.Summary)
		}
	}
	return fmt.Sprintf("%q", act.Record.Summary)
}

func addEditFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("sync", false, "Submit the edit right away")
	cmd.Flags().Bool("inbox", false, "Hand the edit to a running daemon")
}

func addContentFlags(cmd *cobra.Command) {
	cmd.Flags().String("when", "", `Start time, e.g. "tomorrow 3pm" or "2026-04-02 14:00"`)
	cmd.Flags().Duration("duration", time.Hour, "Event length")
	cmd.Flags().String("description", "", "Event description")
	cmd.Flags().String("color", "", "Color id")
}

func init() {
	eventCmd.PersistentFlags().StringP("calendar", "c", "", "Calendar id")

	addContentFlags(eventAddCmd)
	addEditFlags(eventAddCmd)

	addContentFlags(eventEditCmd)
	eventEditCmd.Flags().String("summary", "", "New summary")
	addEditFlags(eventEditCmd)

	addEditFlags(eventDeleteCmd)

	eventListCmd.Flags().Bool("all", false, "Include events pending deletion")

	eventCmd.AddCommand(eventAddCmd, eventEditCmd, eventDeleteCmd, eventListCmd)
	rootCmd.AddCommand(eventCmd)
}
