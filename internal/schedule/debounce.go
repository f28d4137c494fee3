package schedule

import (
	"sync"
	"time"
)

// Debouncer runs a callback once a key has been quiet for a delay.
type Debouncer struct {
	clock Clock

	mu      sync.Mutex
	pending map[string]*debounceEntry
	gen     uint64
}

type debounceEntry struct {
	timer Timer
	gen   uint64
}

// NewDebouncer creates a Debouncer. A nil clock means the wall clock.
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Debouncer{
		clock:   clock,
		pending: make(map[string]*debounceEntry),
	}
}

// Debounce returns a trigger for key. Every call to the trigger, or to any
// other trigger sharing key, restarts the delay; fn runs once the delay
// elapses with no further calls.
func (d *Debouncer) Debounce(key string, fn func(), delay time.Duration) func() {
	return func() {
		d.Schedule(key, fn, delay)
	}
}

// Schedule arms (or re-arms) the timer for key with fn.
func (d *Debouncer) Schedule(key string, fn func(), delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
	}

	d.gen++
	gen := d.gen
	e := &debounceEntry{gen: gen}
	e.timer = d.clock.AfterFunc(delay, func() {
		if !d.claim(key, gen) {
			return
		}
		fn()
	})
	d.pending[key] = e
}

// claim removes the entry for key if it still belongs to gen. A superseded
// or cancelled timer that raced past Stop loses the claim and does nothing.
func (d *Debouncer) claim(key string, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(d.pending, key)
	return true
}

// Cancel voids any pending timer for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
		delete(d.pending, key)
	}
}

// HasPending reports whether a timer is armed for key.
func (d *Debouncer) HasPending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// CancelAll voids every pending timer.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, key)
	}
}
