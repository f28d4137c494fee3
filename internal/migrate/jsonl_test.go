package migrate

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/calsync/internal/cache"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func writeJSONL(t *testing.T, events ...any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, ev := range events {
		if err := encoder.Encode(ev); err != nil {
			t.Fatalf("failed to encode event: %v", err)
		}
	}
	return path
}

func newStore() *cache.Store {
	return cache.NewWithConfig(&cache.Config{Logger: log.New(io.Discard, "", 0)})
}

func TestFromJSONL(t *testing.T) {
	want := []EventLine{
		{Summary: "Standup", Start: base, End: base.Add(15 * time.Minute)},
		{Summary: "Review", Description: "Q2", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour), ColorID: "3"},
	}
	path := writeJSONL(t, want[0], want[1])

	got, err := FromJSONL(path)
	if err != nil {
		t.Fatalf("FromJSONL failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromJSONL mismatch (-want +got):\n%s", diff)
	}
}

func TestFromJSONL_InvalidFile(t *testing.T) {
	if _, err := FromJSONL("/nonexistent/path.jsonl"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestFromJSONL_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	content := `{"summary":"ok"}` + "\n" + `{"summary":` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := FromJSONL(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected an error naming line 2, got %v", err)
	}
}

func TestImport(t *testing.T) {
	path := writeJSONL(t,
		EventLine{Summary: "Standup", Start: base, End: base.Add(15 * time.Minute)},
		EventLine{Summary: "Broken", Start: base.Add(time.Hour), End: base},
		EventLine{Summary: "Review", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
	)
	store := newStore()

	result, err := Import(context.Background(), store, ImportOptions{FromJSONL: path, CalendarID: "c1"})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Collection != "events:c1" || result.Read != 3 || result.Created != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 1 || !strings.HasPrefix(result.Errors[0], "line 2:") {
		t.Errorf("expected one error for line 2, got %v", result.Errors)
	}

	records := store.Get("events:c1")
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, r := range records {
		if !r.IsCreating() || !r.IsDirty() || r.CalendarID != "c1" {
			t.Errorf("imported record should be a dirty create in c1: %+v", r)
		}
	}
}

func TestImport_DryRun(t *testing.T) {
	path := writeJSONL(t, EventLine{Summary: "Standup", Start: base, End: base.Add(time.Hour)})
	store := newStore()

	result, err := Import(context.Background(), store, ImportOptions{FromJSONL: path, CalendarID: "c1", DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("Created = %d, want 1", result.Created)
	}
	if result.BackupCreated != "" {
		t.Errorf("dry run should not back up, got %s", result.BackupCreated)
	}
	if n := len(store.Get("events:c1")); n != 0 {
		t.Errorf("dry run touched the cache: %d records", n)
	}
}

func TestImport_Backup(t *testing.T) {
	path := writeJSONL(t, EventLine{Summary: "Standup", Start: base, End: base.Add(time.Hour)})

	result, err := Import(context.Background(), newStore(), ImportOptions{FromJSONL: path, CalendarID: "c1", Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.BackupCreated == "" {
		t.Fatal("expected a backup path")
	}
	orig, _ := os.ReadFile(path)
	backup, err := os.ReadFile(result.BackupCreated)
	if err != nil {
		t.Fatalf("backup unreadable: %v", err)
	}
	if string(orig) != string(backup) {
		t.Error("backup differs from the input")
	}
}

func TestImport_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts ImportOptions
	}{
		{name: "missing calendar", opts: ImportOptions{FromJSONL: "x.jsonl"}},
		{name: "missing file", opts: ImportOptions{FromJSONL: "/nonexistent/x.jsonl", CalendarID: "c1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Import(context.Background(), newStore(), tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestImport_CancelledContext(t *testing.T) {
	path := writeJSONL(t, EventLine{Summary: "Standup", Start: base, End: base.Add(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Import(ctx, newStore(), ImportOptions{FromJSONL: path, CalendarID: "c1"})
	if err == nil {
		t.Fatal("expected the context error")
	}
	if result == nil || result.Created != 0 {
		t.Errorf("nothing should be created, got %+v", result)
	}
}
