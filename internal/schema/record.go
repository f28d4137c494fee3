// Package schema provides the record model shared by calendars and events,
// together with the pure comparison, merge and reducer logic that operates
// on lists of records.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatingETag is the reserved etag of a record the server has not yet
// acknowledged. Such records carry a client-generated temporary ID.
const CreatingETag = "creating"

// Record is a calendar or an event as held in the local working set.
//
// The sync metadata (ETag, OriginTag, Unsaved, IsDeleting) drives the sync
// engine; the content fields are what the user edits.
type Record struct {
	// ===== Identity =====
	ID string `json:"id"`
	// StableKey survives the swap from temporary ID to server ID so that
	// callers holding the old ID can still resolve the record.
	StableKey  string `json:"stable_key,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`

	// ===== Versioning =====
	ETag string `json:"etag"`
	// OriginTag is the server etag the local copy was derived from.
	// Empty means "same as ETag".
	OriginTag string `json:"origin_tag,omitempty"`

	// ===== Local edit state =====
	// Unsaved is the epoch-millisecond time of the last local edit; zero when clean.
	Unsaved    int64 `json:"unsaved,omitempty"`
	IsDeleting bool  `json:"is_deleting,omitempty"`

	// ===== Content =====
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ColorID     string    `json:"color_id,omitempty"`
	Created     time.Time `json:"created"`
}

// Origin returns the etag the record was derived from.
func (r Record) Origin() string {
	if r.OriginTag == "" {
		return r.ETag
	}
	return r.OriginTag
}

// IsCreating reports whether the record has never been persisted remotely.
func (r Record) IsCreating() bool {
	return r.ETag == CreatingETag
}

// IsDirty reports whether the record must be submitted by the next sync.
func (r Record) IsDirty() bool {
	return r.Unsaved != 0 || r.IsCreating() || r.IsDeleting
}

// Touch stamps the record as locally edited at now.
func (r *Record) Touch(now time.Time) {
	r.Unsaved = now.UnixMilli()
}

// EditedAt returns the time of the last local edit, or the zero time.
func (r Record) EditedAt() time.Time {
	if r.Unsaved == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Unsaved)
}

// Validate checks the record content before it enters a working set.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.ETag == "" {
		return fmt.Errorf("etag is required")
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return fmt.Errorf("end %s is before start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// NewTempID returns a client-generated temporary identifier.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// IsContentEquivalent reports whether a and b describe the same logical
// event regardless of identity or version.
func IsContentEquivalent(a, b Record) bool {
	return sameLabel(a, b) && a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

// sameLabel compares everything but the time span.
func sameLabel(a, b Record) bool {
	return a.ColorID == b.ColorID &&
		a.Summary == b.Summary &&
		a.Description == b.Description
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) share more than
// an endpoint.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// OverlapsInclusive is Overlaps with touching intervals counted as overlapping.
func OverlapsInclusive(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

// Find returns the index of the record whose ID or StableKey equals key,
// or -1.
func Find(list []Record, key string) int {
	for i := range list {
		if list[i].ID == key {
			return i
		}
	}
	for i := range list {
		if list[i].StableKey != "" && list[i].StableKey == key {
			return i
		}
	}
	return -1
}

// Clone returns a copy of list that can be mutated independently.
func Clone(list []Record) []Record {
	if list == nil {
		return nil
	}
	out := make([]Record, len(list))
	copy(out, list)
	return out
}
