package schema

import (
	"strings"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(h int) time.Time {
	return base.Add(time.Duration(h) * time.Hour)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name      string
		a0, a1    int
		b0, b1    int
		strict    bool
		inclusive bool
	}{
		{"disjoint", 0, 1, 2, 3, false, false},
		{"touching", 0, 1, 1, 2, false, true},
		{"partial", 0, 2, 1, 3, true, true},
		{"contained", 0, 4, 1, 2, true, true},
		{"identical", 1, 2, 1, 2, true, true},
		{"reversed order", 2, 3, 0, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(at(tt.a0), at(tt.a1), at(tt.b0), at(tt.b1)); got != tt.strict {
				t.Errorf("Overlaps() = %v, want %v", got, tt.strict)
			}
			if got := OverlapsInclusive(at(tt.a0), at(tt.a1), at(tt.b0), at(tt.b1)); got != tt.inclusive {
				t.Errorf("OverlapsInclusive() = %v, want %v", got, tt.inclusive)
			}
		})
	}
}

func TestIsContentEquivalent(t *testing.T) {
	a := Record{ID: "a", ETag: "1", Summary: "Standup", ColorID: "3", Start: at(0), End: at(1)}

	b := a
	b.ID, b.ETag, b.Unsaved = "b", "2", 99
	if !IsContentEquivalent(a, b) {
		t.Error("records differing only in identity should be equivalent")
	}

	b.Start = at(0).In(time.FixedZone("X", 3600))
	if !IsContentEquivalent(a, b) {
		t.Error("same instant in another zone should be equivalent")
	}

	for name, mutate := range map[string]func(*Record){
		"summary":     func(r *Record) { r.Summary = "Retro" },
		"description": func(r *Record) { r.Description = "notes" },
		"color":       func(r *Record) { r.ColorID = "4" },
		"start":       func(r *Record) { r.Start = at(-1) },
		"end":         func(r *Record) { r.End = at(2) },
	} {
		c := a
		mutate(&c)
		if IsContentEquivalent(a, c) {
			t.Errorf("records differing in %s should not be equivalent", name)
		}
	}
}

func TestRecord_IsDirty(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"clean", Record{ID: "1", ETag: "abc"}, false},
		{"unsaved", Record{ID: "1", ETag: "abc", Unsaved: 1}, true},
		{"creating", Record{ID: "tmp", ETag: CreatingETag}, true},
		{"deleting", Record{ID: "1", ETag: "abc", IsDeleting: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.IsDirty(); got != tt.want {
				t.Errorf("IsDirty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecord_Origin(t *testing.T) {
	r := Record{ETag: "abc"}
	if r.Origin() != "abc" {
		t.Errorf("Origin() = %q, want etag fallback", r.Origin())
	}
	r.OriginTag = "old"
	if r.Origin() != "old" {
		t.Errorf("Origin() = %q, want old", r.Origin())
	}
}

func TestRecord_Validate(t *testing.T) {
	if err := (Record{ETag: "x"}).Validate(); err == nil || !strings.Contains(err.Error(), "id is required") {
		t.Errorf("expected id error, got %v", err)
	}
	if err := (Record{ID: "x"}).Validate(); err == nil {
		t.Error("expected etag error")
	}
	if err := (Record{ID: "x", ETag: "y", Start: at(2), End: at(1)}).Validate(); err == nil {
		t.Error("expected span error")
	}
	if err := (Record{ID: "x", ETag: "y", Start: at(1), End: at(2)}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFind_ByStableKey(t *testing.T) {
	list := []Record{
		{ID: "1", ETag: "a"},
		{ID: "42", StableKey: "tmp-x", ETag: "b"},
	}
	if got := Find(list, "42"); got != 1 {
		t.Errorf("Find(42) = %d, want 1", got)
	}
	if got := Find(list, "tmp-x"); got != 1 {
		t.Errorf("Find(tmp-x) = %d, want 1", got)
	}
	if got := Find(list, "nope"); got != -1 {
		t.Errorf("Find(nope) = %d, want -1", got)
	}
}

func TestNewTempID(t *testing.T) {
	a, b := NewTempID(), NewTempID()
	if a == b {
		t.Error("temp ids should be unique")
	}
	if !strings.HasPrefix(a, "tmp-") {
		t.Errorf("temp id %q missing prefix", a)
	}
}
