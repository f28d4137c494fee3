package cache

import (
	"sort"
	"time"
)

// Window is a fetched time range of an event collection.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AddView records that [start, end) of collection has been fetched. Windows
// are kept sorted and merged where they touch.
func (s *Store) AddView(collection string, start, end time.Time) {
	if !start.Before(end) {
		return
	}
	s.mu.Lock()
	e := s.entryLocked(collection)
	e.views = mergeWindows(append(e.views, Window{Start: start, End: end}))
	s.saveLocked(collection, e)
	s.mu.Unlock()
}

// Views returns the fetched windows of collection.
func (s *Store) Views(collection string) []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := s.entryLocked(collection).views
	out := make([]Window, len(views))
	copy(out, views)
	return out
}

// Covered reports whether [start, end) lies inside a single fetched window.
func (s *Store) Covered(collection string, start, end time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.entryLocked(collection).views {
		if !start.Before(w.Start) && !end.After(w.End) {
			return true
		}
	}
	return false
}

func mergeWindows(in []Window) []Window {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]Window, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}
