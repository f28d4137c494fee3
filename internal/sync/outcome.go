package sync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/schema"
	"github.com/mschirtzinger/calsync/internal/transport"
)

// applyOutcome folds one per-item response into the cache. It never fails
// the batch; anything unresolved is left dirty or handed to a refetch.
func (e *Engine) applyOutcome(c Collection, item transport.BatchItem, sent schema.Record, out transport.BatchResult, res *Result) {
	if err := out.Err(); err != nil {
		e.applyFailure(c, item, sent, err, res)
		return
	}

	switch item.Action {
	case http.MethodPost:
		e.adoptCreated(c, sent, out)
		res.Created++
	case http.MethodDelete:
		e.removeDeleted(c, sent)
		res.Deleted++
	default:
		e.adoptUpdated(c, sent, out)
		res.Updated++
	}
}

// adoptCreated swaps the temporary id for the server's. Unsaved is cleared
// only if nothing changed locally while the creation was in flight. A copy of
// the new record that a concurrent fetch already added is dropped, so the
// record is held once under its stable key.
func (e *Engine) adoptCreated(c Collection, sent schema.Record, out transport.BatchResult) {
	found := false
	_ = e.store.Update(c.Name, cache.SourceSync, func(list []schema.Record) ([]schema.Record, error) {
		i := schema.Find(list, sent.ID)
		if i < 0 {
			return list, nil
		}
		found = true

		r := &list[i]
		unchanged := r.Unsaved == sent.Unsaved && schema.IsContentEquivalent(*r, sent)
		if r.StableKey == "" {
			r.StableKey = sent.ID
		}
		if id := out.ServerID(); id != "" {
			r.ID = id
		}
		r.ETag = out.ETag
		r.OriginTag = ""
		if !out.Created.IsZero() {
			r.Created = out.Created
		}
		if unchanged && !r.IsDeleting {
			r.Unsaved = 0
		}

		adopted := *r
		kept := list[:0]
		for j, other := range list {
			if j != i && other.ID == adopted.ID {
				continue
			}
			kept = append(kept, other)
		}
		return kept, nil
	})
	if !found {
		e.logger.Printf("Created %s in %s but it is no longer cached", out.ServerID(), c.Name)
	}
}

// adoptUpdated clears unsaved when the cached copy is still the one that was
// submitted; after an interleaved edit only the new etag is taken.
func (e *Engine) adoptUpdated(c Collection, sent schema.Record, out transport.BatchResult) {
	if e.store.ApplyIfUnchanged(c.Name, sent.ID, cache.VersionOf(sent), cache.SourceSync, func(r *schema.Record) {
		adoptServerFields(r, out.Record)
		r.Unsaved = 0
	}) {
		return
	}
	e.adoptETag(c, sent, out.ETag)
}

// adoptETag rebases a record edited again after submission onto the etag the
// server just issued, keeping the newer content dirty.
func (e *Engine) adoptETag(c Collection, sent schema.Record, etag string) {
	if etag == "" {
		return
	}
	e.store.Modify(c.Name, sent.ID, cache.SourceSync, func(r *schema.Record) {
		if r.ETag == sent.ETag {
			r.ETag = etag
			r.OriginTag = ""
		}
	})
}

func (e *Engine) removeDeleted(c Collection, sent schema.Record) {
	if err := e.store.Remove(c.Name, sent.ID, cache.SourceSync); err != nil && !errors.Is(err, cache.ErrNotFound) {
		e.logger.Printf("Warning: failed to remove %s from %s: %v", sent.ID, c.Name, err)
	}
}

func (e *Engine) applyFailure(c Collection, item transport.BatchItem, sent schema.Record, err error, res *Result) {
	switch {
	case transport.IsConflict(err):
		conflict := transport.ConflictOf(err)
		if conflict != nil && schema.IsContentEquivalent(*conflict, sent) {
			// Self-conflict: the server already holds what was sent.
			if !e.store.ApplyIfUnchanged(c.Name, sent.ID, cache.VersionOf(sent), cache.SourceSync, func(r *schema.Record) {
				r.ETag = conflict.ETag
				r.OriginTag = ""
				r.Unsaved = 0
			}) {
				e.adoptETag(c, sent, conflict.ETag)
			}
			res.Resolved++
			return
		}
		res.Conflicts++
		e.ScheduleRefetch(c)

	case transport.IsNotFound(err) && item.Action == http.MethodDelete:
		e.removeDeleted(c, sent)
		res.Deleted++

	case transport.IsNotFound(err):
		res.Errors = append(res.Errors, fmt.Errorf("%s %s: %w", item.Action, sent.ID, err))
		e.ScheduleRefetch(c)

	default:
		res.Errors = append(res.Errors, fmt.Errorf("%s %s: %w", item.Action, sent.ID, err))
	}
}

// adoptServerFields copies the server's copy of a record over r. A response
// without an id carries only version metadata and leaves content alone.
func adoptServerFields(r *schema.Record, server schema.Record) {
	if server.ETag != "" {
		r.ETag = server.ETag
		r.OriginTag = ""
	}
	if server.ID == "" {
		return
	}
	r.Summary = server.Summary
	r.Description = server.Description
	r.Start = server.Start
	r.End = server.End
	r.ColorID = server.ColorID
	if server.CalendarID != "" {
		r.CalendarID = server.CalendarID
	}
	if !server.Created.IsZero() {
		r.Created = server.Created
	}
}
