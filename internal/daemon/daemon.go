package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/calsync/internal/autosave"
	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/schedule"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

// SyncFunc observes every autosave submission.
type SyncFunc func(collection string, res *csync.Result, err error, duration time.Duration)

// Config holds daemon configuration.
type Config struct {
	// InboxDir is watched for *.json action files. Required.
	InboxDir string

	// Collections are kept active for the daemon's lifetime. Collections
	// named by inbox actions become active on first use.
	Collections []string

	// PollInterval is how often active collections are refetched (default: 30s).
	PollInterval time.Duration

	// SweepInterval is how often idle cache entries are evicted (default: 1m).
	SweepInterval time.Duration

	// IdleEvict is how long a clean entry may go untouched (default: 10m).
	IdleEvict time.Duration

	// DebounceInterval is how long an inbox file must be quiet before it is
	// applied (default: 200ms).
	DebounceInterval time.Duration

	// AutosaveDelay is the quiet period before local edits are submitted.
	AutosaveDelay time.Duration

	// FlushOnStop submits dirty collections once before Stop returns.
	FlushOnStop bool

	// Clock drives autosave timers and the sweep (default: wall clock).
	Clock schedule.Clock

	// OnSync is called after every autosave submission. May be nil.
	OnSync SyncFunc

	// Logger for daemon operations (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     30 * time.Second,
		SweepInterval:    time.Minute,
		IdleEvict:        10 * time.Minute,
		DebounceInterval: 200 * time.Millisecond,
		AutosaveDelay:    autosave.DefaultDelay,
		FlushOnStop:      true,
		Clock:            schedule.RealClock{},
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon keeps the cache in step with the server while the client runs.
//
// Local edits arrive as inbox files and go through the reducer. Every active
// collection gets an autosave trigger, is refetched on a timer, and is
// evicted from the cache once it has been idle and clean for long enough.
type Daemon struct {
	engine  *csync.Engine
	store   *cache.Store
	config  *Config
	watcher *InboxWatcher

	// changeQueue tracks inbox files waiting for their writes to settle
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	mu       sync.Mutex
	triggers map[string]*autosave.Trigger
	pinned   map[string]bool
	applied  int
	rejected int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon for engine watching inboxDir.
func New(engine *csync.Engine, inboxDir string) (*Daemon, error) {
	config := DefaultConfig()
	config.InboxDir = inboxDir
	return NewWithConfig(engine, config)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(engine *csync.Engine, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.InboxDir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}

	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.IdleEvict <= 0 {
		config.IdleEvict = defaults.IdleEvict
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	pinned := make(map[string]bool, len(config.Collections))
	for _, name := range config.Collections {
		if _, err := csync.ParseCollection(name); err != nil {
			return nil, err
		}
		pinned[name] = true
	}

	watcher, err := NewInboxWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      engine,
		store:       engine.Store(),
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		triggers:    make(map[string]*autosave.Trigger),
		pinned:      pinned,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Activate the configured collections and refetch them once
// 2. Apply inbox files left from a previous run
// 3. Watch the inbox, poll active collections and sweep idle entries
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.InboxDir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	for _, name := range d.config.Collections {
		coll, _ := csync.ParseCollection(name)
		d.activate(coll)
	}
	d.refreshAll()

	if err := d.drainInbox(); err != nil {
		return err
	}

	if err := d.watcher.Start(d.config.InboxDir); err != nil {
		return err
	}
	d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

	d.wg.Add(4)
	go d.watchInbox()
	go d.processChangeQueue()
	go d.pollCollections()
	go d.sweepIdle()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Armed autosave timers are cancelled;
// with FlushOnStop, dirty collections are submitted first.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()

		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}

		d.wg.Wait()

		d.mu.Lock()
		triggers := make([]*autosave.Trigger, 0, len(d.triggers))
		for _, t := range d.triggers {
			triggers = append(triggers, t)
		}
		d.triggers = make(map[string]*autosave.Trigger)
		d.mu.Unlock()

		for _, t := range triggers {
			if d.config.FlushOnStop {
				t.Flush()
			}
			t.Close()
		}

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// activate gives c an autosave trigger if it has none.
func (d *Daemon) activate(c csync.Collection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.triggers[c.Name]; ok {
		return
	}
	if d.ctx.Err() != nil {
		return
	}

	trigger := autosave.New(autosave.Config{
		Collection: c.Name,
		Mutate: func(ctx context.Context) error {
			start := time.Now()
			res, err := d.engine.Mutate(ctx, c)
			if d.config.OnSync != nil {
				d.config.OnSync(c.Name, res, err, time.Since(start))
			}
			return err
		},
		Dirty:  func() bool { return d.store.Dirty(c.Name) > 0 },
		Clock:  d.config.Clock,
		Delay:  d.config.AutosaveDelay,
		Logger: d.config.Logger,
	})
	trigger.Attach(d.store, d.engine)
	d.triggers[c.Name] = trigger

	d.config.Logger.Printf("Activated %s", c.Name)
}

// deactivate closes the trigger of an evicted, unpinned collection.
func (d *Daemon) deactivate(name string) {
	d.mu.Lock()
	if d.pinned[name] {
		d.mu.Unlock()
		return
	}
	trigger, ok := d.triggers[name]
	delete(d.triggers, name)
	d.mu.Unlock()

	if ok {
		trigger.Close()
		d.config.Logger.Printf("Deactivated idle %s", name)
	}
}

// Active returns the names of the active collections, sorted.
func (d *Daemon) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.triggers))
	for name := range d.triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats is a snapshot of daemon counters.
type Stats struct {
	Active   []string
	Applied  int
	Rejected int
}

// Stats returns the daemon's counters.
func (d *Daemon) Stats() Stats {
	active := d.Active()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Active: active, Applied: d.applied, Rejected: d.rejected}
}

// ApplyInboxFile applies one inbox file and removes it. A file that cannot
// be parsed or applied is renamed with RejectedSuffix.
func (d *Daemon) ApplyInboxFile(path string) error {
	act, coll, err := ReadInboxFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		d.reject(path, err)
		return err
	}

	d.activate(coll)

	if _, err := d.store.Apply(coll.Name, act.Action); err != nil {
		err = fmt.Errorf("failed to apply %s to %s: %w", act.Type, coll.Name, err)
		d.reject(path, err)
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.config.Logger.Printf("Warning: failed to remove %s: %v", path, err)
	}

	d.mu.Lock()
	d.applied++
	d.mu.Unlock()

	d.config.Logger.Printf("Applied %s to %s", act.Type, coll.Name)
	return nil
}

func (d *Daemon) reject(path string, cause error) {
	d.config.Logger.Printf("Rejected %s: %v", path, cause)
	if err := os.Rename(path, path+RejectedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.config.Logger.Printf("Warning: failed to set aside %s: %v", path, err)
	}
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
}

func (d *Daemon) drainInbox() error {
	paths, err := pendingInboxFiles(d.config.InboxDir)
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		d.config.Logger.Printf("Applying %d pending inbox files", len(paths))
	}
	for _, path := range paths {
		_ = d.ApplyInboxFile(path)
	}
	return nil
}

// refreshAll refetches every active collection once. Failures are logged;
// the next poll retries.
func (d *Daemon) refreshAll() {
	for _, name := range d.Active() {
		coll, err := csync.ParseCollection(name)
		if err != nil {
			continue
		}
		if err := d.engine.Refetch(d.ctx, coll); err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.config.Logger.Printf("Warning: refetch of %s failed: %v", name, err)
		}
	}
}

// watchInbox queues inbox files as they are created or written.
func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				continue
			}
			d.changeQueueMu.Lock()
			d.changeQueue[event.Path] = time.Now()
			d.changeQueueMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue applies inbox files once their writes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string

			d.changeQueueMu.Lock()
			for path, lastChange := range d.changeQueue {
				if now.Sub(lastChange) >= d.config.DebounceInterval {
					ready = append(ready, path)
					delete(d.changeQueue, path)
				}
			}
			d.changeQueueMu.Unlock()

			sort.Strings(ready)
			for _, path := range ready {
				_ = d.ApplyInboxFile(path)
			}
		}
	}
}

// pollCollections periodically refetches the active collections.
func (d *Daemon) pollCollections() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.refreshAll()
		}
	}
}

// sweepIdle periodically evicts idle clean entries and retires their triggers.
func (d *Daemon) sweepIdle() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep evicts idle clean entries now and returns their names.
func (d *Daemon) Sweep() []string {
	evicted := d.store.Sweep(d.config.Clock.Now(), d.config.IdleEvict)
	for _, name := range evicted {
		d.deactivate(name)
	}
	if len(evicted) > 0 {
		d.config.Logger.Printf("Evicted %d idle collections", len(evicted))
	}
	return evicted
}
