package main

import (
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/calsync/internal/schema"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		text    string
		want    time.Time
		wantErr bool
	}{
		{text: "2026-04-02 14:00", want: time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)},
		{text: "2026-04-02T14:00:00Z", want: time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)},
		{text: "tomorrow 3pm", want: time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)},
		{text: "whenever suits", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := parseWhen(tt.text, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWhen: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseWhen(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDescribeResult(t *testing.T) {
	if got := describeResult(nil); !strings.Contains(got, "nothing to send") {
		t.Errorf("nil result: %q", got)
	}
	got := describeResult(&csync.Result{Submitted: 3, Created: 1, Updated: 1, Resolved: 1, Conflicts: 1})
	for _, want := range []string{"sent 3", "1 created", "1 already applied", "1 conflicts"} {
		if !strings.Contains(got, want) {
			t.Errorf("%q does not mention %q", got, want)
		}
	}
}

func TestDescribeTarget(t *testing.T) {
	list := []schema.Record{
		{ID: "srv-1", ETag: "a", Summary: "Standup"},
		{ID: "tmp-1", ETag: schema.CreatingETag, Summary: "Review"},
	}
	create := schema.Action{Type: schema.ActionCreate, Record: schema.Record{Summary: "Review"}}
	if got := describeTarget(list, create); !strings.HasPrefix(got, "tmp-1") {
		t.Errorf("create target = %q, want the temporary id", got)
	}
	del := schema.Action{Type: schema.ActionDelete, Record: schema.Record{ID: "srv-1"}}
	if got := describeTarget(list, del); got != "srv-1" {
		t.Errorf("delete target = %q", got)
	}
}
