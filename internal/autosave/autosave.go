// Package autosave decides when the sync engine submits a collection.
//
// Two producers feed one debounce key: local edits re-arm a quiet-period
// timer, and a refetch that settles successfully asks for an immediate check
// unless a timed save is already armed or running. Either way the save only
// submits when the collection has dirty records.
package autosave

import (
	"context"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/schedule"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

// DefaultDelay is the quiet period after the last edit.
const DefaultDelay = 4 * time.Second

// Config configures a Trigger.
type Config struct {
	// Collection is the name whose changes and fetches the trigger follows.
	Collection string

	// Mutate submits the collection. Required.
	Mutate func(ctx context.Context) error

	// Dirty reports whether the collection has anything to submit. Required.
	Dirty func() bool

	// Debouncer is the timer registry. A private one is created if nil.
	Debouncer *schedule.Debouncer

	// Clock for a private Debouncer.
	Clock schedule.Clock

	// Delay is the quiet period. Defaults to DefaultDelay.
	Delay time.Duration

	// OnSaved is called after every submission attempt.
	OnSaved func(err error)

	// Logger for save failures.
	Logger *log.Logger
}

// Trigger schedules saves of one collection.
type Trigger struct {
	key       string
	mutate    func(ctx context.Context) error
	dirty     func() bool
	debouncer *schedule.Debouncer
	delay     time.Duration
	onSaved   func(error)
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           gosync.Mutex
	fetchPending bool
	inFlight     bool
	rerun        bool
	closed       bool
	saves        int
	lastErr      error
	unsubs       []func()
}

// New creates a Trigger. Call Close when the collection is no longer synced.
func New(config Config) *Trigger {
	if config.Debouncer == nil {
		config.Debouncer = schedule.NewDebouncer(config.Clock)
	}
	if config.Delay <= 0 {
		config.Delay = DefaultDelay
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[autosave] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		key:       "autosave:" + config.Collection,
		mutate:    config.Mutate,
		dirty:     config.Dirty,
		debouncer: config.Debouncer,
		delay:     config.Delay,
		onSaved:   config.OnSaved,
		logger:    config.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Collection returns the collection the trigger follows.
func (t *Trigger) Collection() string {
	return t.key[len("autosave:"):]
}

// Attach subscribes t to local edits in store and to engine's refetches.
// The subscriptions end with Close.
func (t *Trigger) Attach(store *cache.Store, engine *csync.Engine) {
	name := t.Collection()
	unsubStore := store.Subscribe(func(c cache.Change) {
		if c.Collection == name && c.Source == cache.SourceLocal {
			t.DataChanged()
		}
	})
	unsubFetch := engine.OnFetch(t)

	t.mu.Lock()
	t.unsubs = append(t.unsubs, unsubStore, unsubFetch)
	t.mu.Unlock()
}

// DataChanged restarts the quiet period.
func (t *Trigger) DataChanged() {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.debouncer.Schedule(t.key, t.save, t.delay)
}

// FetchStarted implements sync.FetchListener.
func (t *Trigger) FetchStarted(collection string) {
	if collection != t.Collection() {
		return
	}
	t.mu.Lock()
	t.fetchPending = true
	t.mu.Unlock()
}

// FetchSettled implements sync.FetchListener. A successful settle of a
// pending fetch checks for dirty records once.
func (t *Trigger) FetchSettled(collection string, err error) {
	if collection != t.Collection() {
		return
	}
	t.mu.Lock()
	wasPending := t.fetchPending
	t.fetchPending = false
	skip := t.closed || t.inFlight || !wasPending || err != nil
	t.mu.Unlock()

	if skip || t.debouncer.HasPending(t.key) {
		return
	}
	t.save()
}

// Flush cancels the quiet period and saves now.
func (t *Trigger) Flush() {
	t.debouncer.Cancel(t.key)
	t.save()
}

// save submits the collection if it is dirty. A save that comes due while
// another is running is remembered and runs once the first returns.
func (t *Trigger) save() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.inFlight {
		t.rerun = true
		t.mu.Unlock()
		return
	}
	t.inFlight = true
	t.mu.Unlock()

	for {
		if t.dirty() {
			t.submit()
		}

		t.mu.Lock()
		again := t.rerun && !t.closed
		t.rerun = false
		if !again {
			t.inFlight = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}

func (t *Trigger) submit() {
	err := t.mutate(t.ctx)
	if err != nil {
		t.logger.Printf("Save of %s failed, will retry on next change: %v", t.Collection(), err)
	}

	t.mu.Lock()
	t.saves++
	t.lastErr = err
	t.mu.Unlock()

	if t.onSaved != nil {
		t.onSaved(err)
	}
}

// Stats is a snapshot of the trigger's state.
type Stats struct {
	Saves    int
	Armed    bool
	InFlight bool
	LastErr  error
}

// Stats returns the trigger's state.
func (t *Trigger) Stats() Stats {
	armed := t.debouncer.HasPending(t.key)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Saves: t.saves, Armed: armed, InFlight: t.inFlight, LastErr: t.lastErr}
}

// Close cancels any armed save and detaches the trigger. A save already
// running is cancelled through its context.
func (t *Trigger) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	t.debouncer.Cancel(t.key)
	t.cancel()
}
