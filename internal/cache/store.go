// Package cache holds the local working set of every collection: the primary
// per-collection record lists that optimistic edits, sync outcomes and
// refetches all write to.
//
// Every write is serialized by the Store's mutex, so a read always observes
// the most recent write. Entries are loaded lazily from a Persister and saved
// back on every write.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/calsync/internal/schedule"
	"github.com/mschirtzinger/calsync/internal/schema"
)

// ErrNotFound is returned when a record is not in a collection.
var ErrNotFound = errors.New("record not found")

// Source says who wrote to a collection.
type Source int

const (
	// SourceLocal is an optimistic user edit.
	SourceLocal Source = iota
	// SourceSync is a batch outcome handler.
	SourceSync
	// SourceFetch is a refetch reconciled into the entry.
	SourceFetch
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceSync:
		return "sync"
	case SourceFetch:
		return "fetch"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Change is delivered to subscribers after every write.
type Change struct {
	Collection string
	Source     Source
}

// Version is the optimistic-concurrency token of a record: the etag it was
// submitted with and its unsaved stamp at submission time.
type Version struct {
	ETag    string
	Unsaved int64
}

// VersionOf returns r's current version.
func VersionOf(r schema.Record) Version {
	return Version{ETag: r.ETag, Unsaved: r.Unsaved}
}

// Persister saves and restores serialized entries.
type Persister interface {
	SaveEntry(collection string, payload []byte) error
	LoadEntry(collection string) ([]byte, bool, error)
	DeleteEntry(collection string) error
}

// Config configures a Store.
type Config struct {
	// Persister backs entries across restarts. Optional.
	Persister Persister

	// Clock stamps entry access times. Defaults to the wall clock.
	Clock schedule.Clock

	// Logger for persistence warnings.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Clock:  schedule.RealClock{},
		Logger: log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Store is the per-collection cache.
type Store struct {
	persister Persister
	clock     schedule.Clock
	logger    *log.Logger

	mu      sync.Mutex
	entries map[string]*entry

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

type entry struct {
	records    []schema.Record
	views      []Window
	lastAccess time.Time
}

// snapshot is the persisted form of an entry.
type snapshot struct {
	Records []schema.Record `json:"records"`
	Views   []Window        `json:"views,omitempty"`
}

// New creates a Store with default configuration.
func New() *Store {
	return NewWithConfig(nil)
}

// NewWithConfig creates a Store.
func NewWithConfig(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = schedule.RealClock{}
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Store{
		persister: config.Persister,
		clock:     config.Clock,
		logger:    config.Logger,
		entries:   make(map[string]*entry),
		subs:      make(map[int]func(Change)),
	}
}

// entryLocked returns the entry for collection, loading it on first access.
// Caller holds mu.
func (s *Store) entryLocked(collection string) *entry {
	e, ok := s.entries[collection]
	if !ok {
		e = &entry{}
		if s.persister != nil {
			payload, found, err := s.persister.LoadEntry(collection)
			switch {
			case err != nil:
				s.logger.Printf("Warning: failed to load %s: %v", collection, err)
			case found:
				var snap snapshot
				if err := json.Unmarshal(payload, &snap); err != nil {
					s.logger.Printf("Warning: discarding corrupt snapshot of %s: %v", collection, err)
				} else {
					e.records = snap.Records
					e.views = snap.Views
				}
			}
		}
		s.entries[collection] = e
	}
	e.lastAccess = s.clock.Now()
	return e
}

// saveLocked persists the entry for collection. Caller holds mu.
func (s *Store) saveLocked(collection string, e *entry) {
	if s.persister == nil {
		return
	}
	payload, err := json.Marshal(snapshot{Records: e.records, Views: e.views})
	if err != nil {
		s.logger.Printf("Warning: failed to encode %s: %v", collection, err)
		return
	}
	if err := s.persister.SaveEntry(collection, payload); err != nil {
		s.logger.Printf("Warning: failed to persist %s: %v", collection, err)
	}
}

// Get returns a copy of the records of collection.
func (s *Store) Get(collection string) []schema.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schema.Clone(s.entryLocked(collection).records)
}

// Record returns the record of collection whose ID or stable key is key.
func (s *Store) Record(collection, key string) (schema.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(collection)
	i := schema.Find(e.records, key)
	if i < 0 {
		return schema.Record{}, fmt.Errorf("%s in %s: %w", key, collection, ErrNotFound)
	}
	return e.records[i], nil
}

// Set replaces the records of collection.
func (s *Store) Set(collection string, records []schema.Record, src Source) {
	s.mu.Lock()
	e := s.entryLocked(collection)
	e.records = schema.Clone(records)
	s.saveLocked(collection, e)
	s.mu.Unlock()

	s.notify(Change{Collection: collection, Source: src})
}

// Update replaces the records of collection with fn's result. fn receives a
// copy and runs under the store lock, so it must not call back into the Store.
// If fn fails nothing is written.
func (s *Store) Update(collection string, src Source, fn func([]schema.Record) ([]schema.Record, error)) error {
	s.mu.Lock()
	e := s.entryLocked(collection)
	next, err := fn(schema.Clone(e.records))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e.records = next
	s.saveLocked(collection, e)
	s.mu.Unlock()

	s.notify(Change{Collection: collection, Source: src})
	return nil
}

// Apply runs a reducer action against collection as a local edit.
func (s *Store) Apply(collection string, action schema.Action) ([]schema.Record, error) {
	var out []schema.Record
	err := s.Update(collection, SourceLocal, func(list []schema.Record) ([]schema.Record, error) {
		next, err := schema.Reduce(list, action, s.clock.Now())
		if err != nil {
			return nil, err
		}
		out = schema.Clone(next)
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s to %s: %w", action.Type, collection, err)
	}
	return out, nil
}

// ApplyIfUnchanged runs fn on the record identified by key only if its etag
// and unsaved stamp still equal expected. It reports whether fn ran.
func (s *Store) ApplyIfUnchanged(collection, key string, expected Version, src Source, fn func(*schema.Record)) bool {
	return s.modify(collection, key, src, func(r *schema.Record) bool {
		if VersionOf(*r) != expected {
			return false
		}
		fn(r)
		return true
	})
}

// Modify runs fn on the record identified by key unconditionally. It reports
// whether the record exists.
func (s *Store) Modify(collection, key string, src Source, fn func(*schema.Record)) bool {
	return s.modify(collection, key, src, func(r *schema.Record) bool {
		fn(r)
		return true
	})
}

func (s *Store) modify(collection, key string, src Source, fn func(*schema.Record) bool) bool {
	s.mu.Lock()
	e := s.entryLocked(collection)
	i := schema.Find(e.records, key)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	r := e.records[i]
	if !fn(&r) {
		s.mu.Unlock()
		return false
	}
	next := schema.Clone(e.records)
	next[i] = r
	e.records = next
	s.saveLocked(collection, e)
	s.mu.Unlock()

	s.notify(Change{Collection: collection, Source: src})
	return true
}

// Remove deletes the record identified by key from collection.
func (s *Store) Remove(collection, key string, src Source) error {
	s.mu.Lock()
	e := s.entryLocked(collection)
	i := schema.Find(e.records, key)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", key, collection, ErrNotFound)
	}
	next := make([]schema.Record, 0, len(e.records)-1)
	next = append(next, e.records[:i]...)
	next = append(next, e.records[i+1:]...)
	e.records = next
	s.saveLocked(collection, e)
	s.mu.Unlock()

	s.notify(Change{Collection: collection, Source: src})
	return nil
}

// Collections returns the names of the entries held in memory, sorted.
func (s *Store) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dirty returns the number of dirty records in collection.
func (s *Store) Dirty(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countDirty(s.entryLocked(collection).records)
}

func countDirty(list []schema.Record) int {
	n := 0
	for _, r := range list {
		if r.IsDirty() {
			n++
		}
	}
	return n
}

// Sweep evicts entries not accessed for idle with no dirty records, from
// memory and from the Persister. It returns the evicted names.
func (s *Store) Sweep(now time.Time, idle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for name, e := range s.entries {
		if now.Sub(e.lastAccess) < idle || countDirty(e.records) > 0 {
			continue
		}
		delete(s.entries, name)
		if s.persister != nil {
			if err := s.persister.DeleteEntry(name); err != nil {
				s.logger.Printf("Warning: failed to delete snapshot of %s: %v", name, err)
			}
		}
		evicted = append(evicted, name)
	}
	sort.Strings(evicted)
	return evicted
}

// Subscribe registers fn for every write. The returned func unsubscribes.
// fn runs outside the store lock and may read the Store.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
