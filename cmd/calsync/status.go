package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/calsync/internal/db"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	"github.com/mschirtzinger/calsync/internal/ui"
)

// statusReport is what `calsync status` prints.
type statusReport struct {
	Cache       string             `json:"cache" yaml:"cache"`
	Server      string             `json:"server,omitempty" yaml:"server,omitempty"`
	Login       string             `json:"login" yaml:"login"`
	Collections []collectionStatus `json:"collections" yaml:"collections"`
}

type collectionStatus struct {
	db.EntryInfo `yaml:",inline"`
	Records      int `json:"records" yaml:"records"`
	Dirty        int `json:"dirty" yaml:"dirty"`
	Creating     int `json:"creating,omitempty" yaml:"creating,omitempty"`
	Deleting     int `json:"deleting,omitempty" yaml:"deleting,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and login status",
	Long: `Display the state of the local cache.

Shows:
  - Cache file location and remembered login
  - Every cached collection with its record and unsaved counts`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		report, err := buildStatus(a)
		if err != nil {
			fatalf("%v", err)
		}

		switch output {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				fatalf("failed to encode status: %v", err)
			}
			_ = enc.Close()
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fatalf("failed to encode status: %v", err)
			}
		case "text", "":
			printStatus(report)
		default:
			fatalf("unknown output format %q (want text, yaml or json)", output)
		}
	},
}

func buildStatus(a *app) (*statusReport, error) {
	report := &statusReport{Cache: a.db.Path(), Server: cfg.Server.URL}

	login, err := a.db.LoadLogin(cfg.Login.MaxAge)
	switch {
	case errors.Is(err, db.ErrNoLogin):
		report.Login = "none"
	case errors.Is(err, db.ErrLoginExpired):
		report.Login = "expired"
	case err != nil:
		return nil, err
	default:
		report.Login = fmt.Sprintf("%s (saved %s)", login.Username, login.SavedAt.Format(time.RFC3339))
		if report.Server == "" {
			report.Server = login.ServerURL
		}
	}

	entries, err := a.db.ListEntries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		records := a.store.Get(e.Collection)
		cs := collectionStatus{EntryInfo: e, Records: len(records), Dirty: len(reconcile.TouchList(records))}
		for _, r := range records {
			if r.IsCreating() {
				cs.Creating++
			}
			if r.IsDeleting {
				cs.Deleting++
			}
		}
		report.Collections = append(report.Collections, cs)
	}
	return report, nil
}

func printStatus(r *statusReport) {
	fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent(ui.IconDot))
	fmt.Printf("Location: %s\n", r.Cache)
	if r.Server != "" {
		fmt.Printf("Server: %s\n", r.Server)
	}
	fmt.Printf("Login: %s\n\n", r.Login)

	if len(r.Collections) == 0 {
		fmt.Printf("%s Cache is empty\n", ui.RenderWarn(ui.IconWarn))
		fmt.Printf("   Run 'calsync sync' to fetch your calendars\n\n")
		return
	}

	rows := make([][]string, 0, len(r.Collections))
	for _, c := range r.Collections {
		rows = append(rows, []string{
			c.Collection,
			fmt.Sprintf("%d", c.Records),
			ui.RenderDirty(c.Dirty),
			c.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	fmt.Print(ui.Table([]string{"COLLECTION", "RECORDS", "STATE", "UPDATED"}, rows))
	fmt.Println()
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, yaml or json")

	rootCmd.AddCommand(statusCmd)
}
