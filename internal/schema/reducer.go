package schema

import (
	"errors"
	"fmt"
	"time"
)

// ActionType names a local edit applied to a working set.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionUndo   ActionType = "undo"
)

var (
	// ErrRecordNotFound is returned when an action names a record that is
	// not in the working set.
	ErrRecordNotFound = errors.New("record not found")

	// ErrUnknownAction is returned for an unrecognized ActionType.
	ErrUnknownAction = errors.New("unknown action")

	// ErrRecordDeleting is returned when updating a record pending deletion.
	ErrRecordDeleting = errors.New("record is pending deletion")
)

// Action is one optimistic edit. Record carries the new content (or just the
// ID for delete); Previous is the snapshot an undo restores.
type Action struct {
	Type     ActionType `json:"action"`
	Record   Record     `json:"record"`
	Previous *Record    `json:"previous,omitempty"`
}

// Reduce applies a to list and returns the next working set. list is not
// modified. Every touched record is stamped with now so it becomes dirty.
func Reduce(list []Record, a Action, now time.Time) ([]Record, error) {
	switch a.Type {
	case ActionCreate:
		return reduceCreate(list, a.Record, now)
	case ActionUpdate:
		return reduceUpdate(list, a.Record, now)
	case ActionDelete:
		return reduceDelete(list, a.Record, now)
	case ActionUndo:
		return reduceUndo(list, a, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
}

func reduceCreate(list []Record, rec Record, now time.Time) ([]Record, error) {
	if rec.ID == "" {
		rec.ID = NewTempID()
	}
	if rec.StableKey == "" {
		rec.StableKey = rec.ID
	}
	if rec.Created.IsZero() {
		rec.Created = now
	}
	rec.ETag = CreatingETag
	rec.OriginTag = ""
	rec.IsDeleting = false
	rec.Touch(now)

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return insert(list, rec, now), nil
}

func reduceUpdate(list []Record, rec Record, now time.Time) ([]Record, error) {
	idx := Find(list, rec.ID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	cur := list[idx]
	if cur.IsDeleting {
		return nil, fmt.Errorf("%w: %s", ErrRecordDeleting, cur.ID)
	}

	cur.Summary = rec.Summary
	cur.Description = rec.Description
	cur.Start = rec.Start
	cur.End = rec.End
	cur.ColorID = rec.ColorID
	cur.Touch(now)

	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return insert(without(list, idx), cur, now), nil
}

func reduceDelete(list []Record, rec Record, now time.Time) ([]Record, error) {
	idx := Find(list, rec.ID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	out := Clone(list)
	out[idx].IsDeleting = true
	out[idx].Touch(now)
	return out, nil
}

func reduceUndo(list []Record, a Action, now time.Time) ([]Record, error) {
	if a.Previous == nil {
		idx := Find(list, a.Record.ID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, a.Record.ID)
		}
		cur := list[idx]
		switch {
		case cur.IsDeleting:
			out := Clone(list)
			out[idx].IsDeleting = false
			out[idx].Touch(now)
			return out, nil
		case cur.IsCreating():
			return without(list, idx), nil
		default:
			return nil, fmt.Errorf("nothing to undo for %s without a snapshot", cur.ID)
		}
	}

	prev := *a.Previous
	key := prev.ID
	if prev.StableKey != "" && Find(list, key) < 0 {
		key = prev.StableKey
	}
	idx := Find(list, key)
	if idx < 0 {
		// The record is gone locally; bring the content back as a new record.
		prev.ID = ""
		prev.StableKey = ""
		return reduceCreate(list, prev, now)
	}

	cur := list[idx]
	cur.Summary = prev.Summary
	cur.Description = prev.Description
	cur.Start = prev.Start
	cur.End = prev.End
	cur.ColorID = prev.ColorID
	cur.IsDeleting = false
	cur.Touch(now)
	out := Clone(list)
	out[idx] = cur
	return out, nil
}

// insert appends rec, merging with overlapping look-alikes when it is timed.
// Untimed records (calendars) are never merged.
func insert(list []Record, rec Record, now time.Time) []Record {
	if rec.Start.IsZero() || rec.End.IsZero() {
		return append(Clone(list), rec)
	}
	return MergeOverlappingKeepingDeletions(rec, list, now)
}

func without(list []Record, idx int) []Record {
	out := make([]Record, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}
