// Package sync submits the dirty records of a collection to the server as one
// batch and folds every per-item outcome back into the cache.
//
// At most one batch is in flight per collection. Starting a new batch cancels
// the previous one, and a response that arrives for a superseded batch is
// ignored. Conflicts that cannot be settled locally schedule a debounced,
// backed-off refetch whose result is merged by the reconciler.
package sync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	"github.com/mschirtzinger/calsync/internal/schedule"
	"github.com/mschirtzinger/calsync/internal/schema"
	"github.com/mschirtzinger/calsync/internal/transport"
)

// Config holds engine configuration.
type Config struct {
	// Requester issues batch and fetch calls. Required.
	Requester transport.Requester

	// Store is the cache the engine reads and writes. Required.
	Store *cache.Store

	// Clock drives refetch timers and the reconciler's hot window.
	Clock schedule.Clock

	// Conflicts receives reconciliation reports. May be nil.
	Conflicts *reconcile.ConflictLog

	// RefetchDebounce coalesces refetch requests per collection.
	RefetchDebounce time.Duration

	// Backoff spaces out refetches of one collection.
	Backoff schedule.BackoffConfig

	// ChillTime is the reconciler's hot window.
	ChillTime time.Duration

	// AllowRevival lets a hot local edit resurrect a remotely deleted record.
	AllowRevival bool

	// Timeout overrides the requester's default per-call timeout.
	Timeout time.Duration

	// Logger for sync activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Clock:           schedule.RealClock{},
		RefetchDebounce: 500 * time.Millisecond,
		Backoff:         schedule.DefaultBackoffConfig(),
		ChillTime:       reconcile.DefaultChillTime,
		Logger:          log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// FetchListener observes refetches.
type FetchListener interface {
	FetchStarted(collection string)
	FetchSettled(collection string, err error)
}

// Engine runs batch mutations and refetches.
type Engine struct {
	requester transport.Requester
	store     *cache.Store
	clock     schedule.Clock
	conflicts *reconcile.ConflictLog
	config    Config
	logger    *log.Logger

	debouncer *schedule.Debouncer
	backoff   *schedule.Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu        gosync.Mutex
	settling  map[string]*gosync.Mutex
	flights   map[string]*flight
	gen       uint64
	epochs    map[string]uint64
	listeners map[int]FetchListener
	nextID    int
	closed    bool
}

// flight is the in-flight batch of one collection.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Result summarizes one batch.
type Result struct {
	Collection string `json:"collection" yaml:"collection"`
	Submitted  int    `json:"submitted" yaml:"submitted"`
	Created    int    `json:"created" yaml:"created"`
	Updated    int    `json:"updated" yaml:"updated"`
	Deleted    int    `json:"deleted" yaml:"deleted"`
	// Resolved counts 409s settled by adopting a content-equivalent version.
	Resolved int `json:"resolved" yaml:"resolved"`
	// Conflicts counts 409s handed to a refetch.
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	// Discarded counts records created and deleted before ever being sent.
	Discarded int `json:"discarded" yaml:"discarded"`
	// Stale is set when a newer batch superseded this one before it settled.
	Stale bool `json:"stale,omitempty" yaml:"stale,omitempty"`
	// Errors are per-item failures left for a later sync.
	Errors []error `json:"-" yaml:"-"`
}

// New creates an Engine.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Requester == nil {
		return nil, fmt.Errorf("requester is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	defaults := DefaultConfig()
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.RefetchDebounce <= 0 {
		config.RefetchDebounce = defaults.RefetchDebounce
	}
	if config.ChillTime <= 0 {
		config.ChillTime = defaults.ChillTime
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		requester: config.Requester,
		store:     config.Store,
		clock:     config.Clock,
		conflicts: config.Conflicts,
		config:    *config,
		logger:    config.Logger,
		debouncer: schedule.NewDebouncer(config.Clock),
		backoff:   schedule.NewBackoff(config.Clock, config.Backoff),
		ctx:       ctx,
		cancel:    cancel,
		settling:  make(map[string]*gosync.Mutex),
		flights:   make(map[string]*flight),
		epochs:    make(map[string]uint64),
		listeners: make(map[int]FetchListener),
	}, nil
}

// Store returns the engine's cache.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Mutate submits the dirty records of c as one batch and applies the
// outcomes. A nil error with an empty Result means there was nothing to send.
//
// Transport failures are returned without retry; the records stay dirty for
// the next trigger. Per-item failures are collected in Result.Errors.
func (e *Engine) Mutate(ctx context.Context, c Collection) (*Result, error) {
	res := &Result{Collection: c.Name}

	// Building a batch and settling one exclude each other, so a new batch
	// either supersedes an unsettled one or sees its outcomes applied.
	settle := e.settleLock(c.Name)
	settle.Lock()
	res.Discarded = e.discardUnsent(c)

	touch := reconcile.TouchList(e.store.Get(c.Name))
	if len(touch) == 0 {
		settle.Unlock()
		return res, nil
	}

	items, submitted := buildBatch(touch)
	res.Submitted = len(items)

	fctx, gen, err := e.beginFlight(ctx, c.Name)
	settle.Unlock()
	if err != nil {
		return nil, err
	}
	defer e.endFlight(c.Name, gen)

	var results []transport.BatchResult
	err = e.requester.Do(fctx, c.BatchPath, transport.Request{
		Method:  http.MethodPost,
		Body:    items,
		Timeout: e.config.Timeout,
	}, &results)

	settle.Lock()
	defer settle.Unlock()
	if !e.isCurrent(c.Name, gen) {
		res.Stale = true
		return res, nil
	}

	if err != nil {
		if transport.IsConflict(err) && len(reconcile.TouchList(e.store.Get(c.Name))) > 0 {
			e.ScheduleRefetch(c)
		}
		e.logger.Printf("Batch for %s failed: %v", c.Name, err)
		return nil, fmt.Errorf("failed to submit batch for %s: %w", c.Name, err)
	}

	if len(results) != len(items) {
		e.ScheduleRefetch(c)
		return nil, fmt.Errorf("%w: %s sent %d items, got %d", ErrSizeMismatch, c.Name, len(items), len(results))
	}

	for i := range items {
		e.applyOutcome(c, items[i], submitted[i], results[i], res)
	}
	e.bumpEpoch(c.Name)

	e.logger.Printf("Synced %s: %d sent, %d created, %d updated, %d deleted, %d conflicts",
		c.Name, res.Submitted, res.Created, res.Updated, res.Deleted, res.Conflicts)
	return res, nil
}

// settleLock returns the lock serializing batch construction and settlement
// for name.
func (e *Engine) settleLock(name string) *gosync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.settling[name]
	if !ok {
		l = &gosync.Mutex{}
		e.settling[name] = l
	}
	return l
}

// discardUnsent drops records that were created and deleted locally before
// the server ever saw them.
func (e *Engine) discardUnsent(c Collection) int {
	dropped := 0
	for _, r := range e.store.Get(c.Name) {
		if r.IsCreating() && r.IsDeleting {
			dropped++
		}
	}
	if dropped == 0 {
		return 0
	}
	_ = e.store.Update(c.Name, cache.SourceSync, func(list []schema.Record) ([]schema.Record, error) {
		out := list[:0]
		for _, r := range list {
			if r.IsCreating() && r.IsDeleting {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	})
	return dropped
}

// buildBatch returns one item per dirty record plus the record as submitted.
func buildBatch(touch []schema.Record) ([]transport.BatchItem, []schema.Record) {
	items := make([]transport.BatchItem, 0, len(touch))
	submitted := make([]schema.Record, 0, len(touch))
	for _, r := range touch {
		body := r
		var item transport.BatchItem
		switch {
		case r.IsCreating():
			item = transport.BatchItem{Action: http.MethodPost, Body: &body}
		case r.IsDeleting:
			item = transport.BatchItem{Action: http.MethodDelete, EventID: r.ID, ETag: r.ETag}
		default:
			item = transport.BatchItem{Action: http.MethodPut, EventID: r.ID, ETag: r.ETag, Body: &body}
		}
		items = append(items, item)
		submitted = append(submitted, r)
	}
	return items, submitted
}

// beginFlight cancels any batch in flight for name and registers a new one.
func (e *Engine) beginFlight(ctx context.Context, name string) (context.Context, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, 0, ErrClosed
	}

	if prev, ok := e.flights[name]; ok {
		prev.cancel()
	}
	e.gen++
	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	e.flights[name] = &flight{
		gen: e.gen,
		cancel: func() {
			stop()
			cancel()
		},
	}
	return fctx, e.gen, nil
}

func (e *Engine) endFlight(name string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.flights[name]; ok && f.gen == gen {
		f.cancel()
		delete(e.flights, name)
	}
}

func (e *Engine) isCurrent(name string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flights[name]
	return ok && f.gen == gen
}

// InFlight reports whether a batch for name is outstanding.
func (e *Engine) InFlight(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.flights[name]
	return ok
}

// bumpEpoch marks that a batch settled for name, invalidating refetches that
// started before it.
func (e *Engine) bumpEpoch(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epochs[name]++
}

func (e *Engine) epoch(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs[name]
}

// Close cancels in-flight batches and every pending refetch timer.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for name, f := range e.flights {
		f.cancel()
		delete(e.flights, name)
	}
	e.mu.Unlock()

	e.cancel()
	e.debouncer.CancelAll()
	e.backoff.ResetAll()
}
