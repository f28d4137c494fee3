// Package reconcile merges freshly fetched server state into a local working
// set that may hold unsynced edits, and derives the dirty subset that the
// sync engine must submit.
package reconcile

import (
	"time"

	"github.com/mschirtzinger/calsync/internal/schema"
)

// DefaultChillTime is how long after a local edit the edit beats a stale
// server snapshot.
const DefaultChillTime = 60 * time.Second

// Options configures Reconcile.
type Options struct {
	// Collection names the working set in conflict reports.
	Collection string

	// Key identifies a record across local and server lists. Defaults to ID.
	Key func(schema.Record) string

	// AllowRevival keeps a recently edited record the server no longer has,
	// turning it back into a pending creation. When false (the default) the
	// remote deletion wins even over a hot edit.
	AllowRevival bool

	// Now is the reference time for the hot window. Defaults to time.Now().
	Now time.Time

	// ChillTime is the hot window length. Defaults to DefaultChillTime.
	ChillTime time.Duration

	// Conflicts receives a report for every decision that discards local
	// state. May be nil.
	Conflicts *ConflictLog
}

func (o *Options) setDefaults() {
	if o.Key == nil {
		o.Key = func(r schema.Record) string { return r.ID }
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.ChillTime <= 0 {
		o.ChillTime = DefaultChillTime
	}
}

// Reconcile produces the next local working set from local and server.
//
// Local order is preserved; server records the client has never seen are
// appended in server order. Neither input is modified.
func Reconcile(local, server []schema.Record, opts Options) []schema.Record {
	opts.setDefaults()

	remote := make(map[string]schema.Record, len(server))
	for _, r := range server {
		remote[opts.Key(r)] = r
	}

	out := make([]schema.Record, 0, len(local)+len(server))
	seen := make(map[string]bool, len(local))

	for _, l := range local {
		k := opts.Key(l)
		seen[k] = true
		r, found := remote[k]

		if next, keep := decide(l, r, found, opts); keep {
			out = append(out, next)
		}
	}

	for _, r := range server {
		if !seen[opts.Key(r)] {
			out = append(out, r)
		}
	}
	return out
}

// decide returns the record to keep for local record l, or keep=false to
// drop it.
func decide(l, r schema.Record, found bool, opts Options) (schema.Record, bool) {
	// Already derived from the server's current version: whatever is ahead
	// locally is exactly the dirty state being synced.
	if found && l.Origin() == r.ETag {
		return l, true
	}

	hot := isHot(l, opts)

	// Creation still pending submission.
	if !found && (l.Origin() == schema.CreatingETag || (l.IsCreating() && hot)) {
		return l, true
	}

	// Deletion already effective remotely.
	if !found && l.IsDeleting {
		return l, false
	}

	if hot {
		if !found {
			if !opts.AllowRevival {
				opts.Conflicts.Report(opts.Collection, l.ID,
					"%q was deleted remotely; discarding a local edit from %s",
					l.Summary, l.EditedAt().Format(time.RFC3339))
				return l, false
			}
			return revive(l), true
		}

		// Local edit wins; rebase it onto the server's current version so
		// the next PUT carries the right etag.
		l.ETag = r.ETag
		l.OriginTag = r.ETag
		return l, true
	}

	// Cold: the server is authoritative.
	if !found {
		if l.IsDirty() {
			opts.Conflicts.Report(opts.Collection, l.ID,
				"%q was deleted remotely; discarding unsynced local changes", l.Summary)
		}
		return l, false
	}
	if l.IsDirty() {
		opts.Conflicts.Report(opts.Collection, l.ID,
			"%q changed remotely (etag %s -> %s); local changes replaced",
			l.Summary, l.Origin(), r.ETag)
	}
	if l.StableKey != "" && r.StableKey == "" {
		r.StableKey = l.StableKey
	}
	return r, true
}

// revive turns l back into a pending creation.
func revive(l schema.Record) schema.Record {
	if l.StableKey == "" {
		l.StableKey = l.ID
	}
	l.ETag = schema.CreatingETag
	l.OriginTag = schema.CreatingETag
	l.IsDeleting = false
	return l
}

func isHot(l schema.Record, opts Options) bool {
	if l.Unsaved == 0 {
		return false
	}
	return opts.Now.Sub(l.EditedAt()) < opts.ChillTime
}

// TouchList returns the records that must be submitted by the next sync, in
// list order.
func TouchList(list []schema.Record) []schema.Record {
	var out []schema.Record
	for _, r := range list {
		if r.IsDirty() {
			out = append(out, r)
		}
	}
	return out
}
