package schedule

import (
	"sync"
	"time"
)

// BackoffConfig configures a Backoff registry.
type BackoffConfig struct {
	// Base is the wait after the first firing; it doubles with every step.
	Base time.Duration
	// Max caps the wait. Zero means no cap.
	Max time.Duration
	// Quiet is how long a key must go without calls before its state is
	// forgotten and the next call fires immediately again.
	Quiet time.Duration
}

// DefaultBackoffConfig returns the defaults used by the sync engine.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:  1 * time.Second,
		Max:   60 * time.Second,
		Quiet: 10 * time.Second,
	}
}

// Backoff fires per-key callbacks with exponentially growing spacing.
//
// The first call for a key fires at once. Later calls inside the current wait
// (Base * 2^step) are deferred to the end of that wait; only the most recent
// deferred callback survives. A call after the wait fires at once and grows
// the step. After Quiet with no calls the key is forgotten.
type Backoff struct {
	clock  Clock
	config BackoffConfig

	mu     sync.Mutex
	states map[string]*backoffState
}

type backoffState struct {
	lastFire time.Time
	step     int

	pending   Timer
	pendingFn func()
	dueAt     time.Time

	quiet    Timer
	quietGen uint64
}

// NewBackoff creates a Backoff. A nil clock means the wall clock.
func NewBackoff(clock Clock, config BackoffConfig) *Backoff {
	if clock == nil {
		clock = RealClock{}
	}
	if config.Base <= 0 {
		config.Base = DefaultBackoffConfig().Base
	}
	if config.Quiet <= 0 {
		config.Quiet = DefaultBackoffConfig().Quiet
	}
	return &Backoff{
		clock:  clock,
		config: config,
		states: make(map[string]*backoffState),
	}
}

// Call runs fn for key now or at the end of the current wait. It returns the
// time at which fn is due.
func (b *Backoff) Call(key string, fn func()) time.Time {
	b.mu.Lock()
	now := b.clock.Now()

	st, ok := b.states[key]
	if !ok {
		st = &backoffState{lastFire: now}
		b.states[key] = st
		b.armQuiet(key, st)
		b.mu.Unlock()
		fn()
		return now
	}
	b.armQuiet(key, st)

	if st.pending != nil {
		// Already deferred: keep the scheduled time, replace the callback.
		st.pendingFn = fn
		due := st.dueAt
		b.mu.Unlock()
		return due
	}

	wait := b.wait(st.step)
	elapsed := now.Sub(st.lastFire)
	if elapsed >= wait {
		st.lastFire = now
		st.step++
		b.mu.Unlock()
		fn()
		return now
	}

	st.pendingFn = fn
	st.dueAt = st.lastFire.Add(wait)
	st.pending = b.clock.AfterFunc(wait-elapsed, func() { b.fire(key, st) })
	due := st.dueAt
	b.mu.Unlock()
	return due
}

func (b *Backoff) fire(key string, st *backoffState) {
	b.mu.Lock()
	if b.states[key] != st || st.pending == nil {
		b.mu.Unlock()
		return
	}
	fn := st.pendingFn
	st.pending = nil
	st.pendingFn = nil
	st.lastFire = b.clock.Now()
	st.step++
	b.armQuiet(key, st)
	b.mu.Unlock()

	fn()
}

// armQuiet restarts the forget timer for key. Caller holds mu.
func (b *Backoff) armQuiet(key string, st *backoffState) {
	if st.quiet != nil {
		st.quiet.Stop()
	}
	st.quietGen++
	gen := st.quietGen
	st.quiet = b.clock.AfterFunc(b.config.Quiet, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.states[key] != st || st.quietGen != gen || st.pending != nil {
			return
		}
		delete(b.states, key)
	})
}

func (b *Backoff) wait(step int) time.Duration {
	w := b.config.Base
	for i := 0; i < step; i++ {
		w *= 2
		if b.config.Max > 0 && w >= b.config.Max {
			return b.config.Max
		}
	}
	return w
}

// Step returns the current step for key and whether key has state.
func (b *Backoff) Step(key string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok {
		return 0, false
	}
	return st.step, true
}

// HasPending reports whether a deferred callback is armed for key.
func (b *Backoff) HasPending(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	return ok && st.pending != nil
}

// Reset drops all state for key, cancelling any deferred callback.
func (b *Backoff) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(key)
}

// ResetAll drops the state of every key.
func (b *Backoff) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.states {
		b.dropLocked(key)
	}
}

func (b *Backoff) dropLocked(key string) {
	st, ok := b.states[key]
	if !ok {
		return
	}
	if st.pending != nil {
		st.pending.Stop()
	}
	if st.quiet != nil {
		st.quiet.Stop()
	}
	delete(b.states, key)
}
