package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func TestDebouncer_Coalesces(t *testing.T) {
	clock := NewManualClock(epoch)
	d := NewDebouncer(clock)

	var calls int
	var firedAt time.Time
	trigger := d.Debounce("save", func() {
		calls++
		firedAt = clock.Now()
	}, 4*time.Second)

	var last time.Time
	for i := 0; i < 10; i++ {
		trigger()
		last = clock.Now()
		clock.Advance(time.Second)
	}
	if calls != 0 {
		t.Fatalf("callback fired during burst: %d", calls)
	}

	clock.Advance(10 * time.Second)
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if firedAt.Sub(last) < 4*time.Second {
		t.Errorf("fired %v after last call, want >= 4s", firedAt.Sub(last))
	}
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	clock := NewManualClock(epoch)
	d := NewDebouncer(clock)

	var a, b int
	d.Schedule("a", func() { a++ }, time.Second)
	d.Schedule("b", func() { b++ }, 2*time.Second)

	clock.Advance(1500 * time.Millisecond)
	if a != 1 || b != 0 {
		t.Fatalf("a=%d b=%d after 1.5s", a, b)
	}
	clock.Advance(time.Second)
	if b != 1 {
		t.Errorf("b should fire after 2s, got %d", b)
	}
}

func TestDebouncer_SharedKeySupersedes(t *testing.T) {
	clock := NewManualClock(epoch)
	d := NewDebouncer(clock)

	var first, second int
	d.Schedule("k", func() { first++ }, time.Second)
	d.Schedule("k", func() { second++ }, time.Second)

	clock.Advance(5 * time.Second)
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestDebouncer_CancelAndHasPending(t *testing.T) {
	clock := NewManualClock(epoch)
	d := NewDebouncer(clock)

	var calls int
	d.Schedule("k", func() { calls++ }, time.Second)
	if !d.HasPending("k") {
		t.Fatal("expected pending timer")
	}

	d.Cancel("k")
	if d.HasPending("k") {
		t.Error("cancel should clear pending state")
	}
	clock.Advance(time.Minute)
	if calls != 0 {
		t.Error("cancelled callback must not run")
	}

	d.Schedule("k", func() { calls++ }, time.Second)
	clock.Advance(time.Second)
	if d.HasPending("k") {
		t.Error("pending state should clear after firing")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDebouncer_RealClock(t *testing.T) {
	d := NewDebouncer(nil)

	var calls int32
	trigger := d.Debounce("real", func() { atomic.AddInt32(&calls, 1) }, 30*time.Millisecond)
	for i := 0; i < 5; i++ {
		trigger()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func newTestBackoff(clock Clock) *Backoff {
	return NewBackoff(clock, BackoffConfig{Base: time.Second, Max: 16 * time.Second, Quiet: 10 * time.Second})
}

func TestBackoff_FirstCallImmediate(t *testing.T) {
	clock := NewManualClock(epoch)
	b := newTestBackoff(clock)

	var calls int
	due := b.Call("k", func() { calls++ })
	if calls != 1 {
		t.Fatalf("first call should fire immediately, got %d", calls)
	}
	if !due.Equal(epoch) {
		t.Errorf("due = %v, want now", due)
	}
	if step, ok := b.Step("k"); !ok || step != 0 {
		t.Errorf("step = %d (ok=%v), want 0", step, ok)
	}
}

func TestBackoff_DeferredOnceWithinWait(t *testing.T) {
	clock := NewManualClock(epoch)
	b := newTestBackoff(clock)

	var calls, latest int
	b.Call("k", func() { calls++ })

	clock.Advance(300 * time.Millisecond)
	due1 := b.Call("k", func() { calls++; latest = 1 })
	due2 := b.Call("k", func() { calls++; latest = 2 })

	if calls != 1 {
		t.Fatalf("calls within wait must be deferred, got %d", calls)
	}
	if !due1.Equal(epoch.Add(time.Second)) || !due2.Equal(due1) {
		t.Errorf("due times %v / %v, want both %v", due1, due2, epoch.Add(time.Second))
	}
	if !b.HasPending("k") {
		t.Fatal("expected a deferred call")
	}

	clock.Advance(700 * time.Millisecond)
	if calls != 2 {
		t.Fatalf("expected exactly one deferred firing, got %d calls", calls-1)
	}
	if latest != 2 {
		t.Error("only the most recent deferred callback should run")
	}

	clock.Advance(5 * time.Second)
	if calls != 2 {
		t.Errorf("no further firings expected, got %d", calls)
	}
}

func TestBackoff_WaitGrows(t *testing.T) {
	clock := NewManualClock(epoch)
	b := newTestBackoff(clock)

	var fires []time.Time
	call := func() { b.Call("k", func() { fires = append(fires, clock.Now()) }) }

	// t=0, step 0
	call()
	// wait 1s elapsed
	clock.Advance(1 * time.Second)
	// fires, step 1
	call()
	clock.Advance(1 * time.Second)
	// within 2s wait: deferred to t=3s
	call()
	clock.Advance(2 * time.Second)

	if len(fires) != 3 {
		t.Fatalf("expected 3 firings, got %d", len(fires))
	}
	if got := fires[2].Sub(epoch); got != 3*time.Second {
		t.Errorf("third firing at %v, want 3s", got)
	}
	if step, _ := b.Step("k"); step != 2 {
		t.Errorf("step = %d, want 2", step)
	}
}

func TestBackoff_QuietReset(t *testing.T) {
	clock := NewManualClock(epoch)
	b := newTestBackoff(clock)

	var calls int
	b.Call("k", func() { calls++ })
	clock.Advance(2 * time.Second)
	b.Call("k", func() { calls++ })

	clock.Advance(11 * time.Second)
	if _, ok := b.Step("k"); ok {
		t.Fatal("state should be forgotten after the quiet period")
	}

	b.Call("k", func() { calls++ })
	if calls != 3 {
		t.Errorf("call after quiet period should fire immediately, calls = %d", calls)
	}
}

func TestBackoff_WaitCapped(t *testing.T) {
	b := newTestBackoff(NewManualClock(epoch))
	if got := b.wait(10); got != 16*time.Second {
		t.Errorf("wait(10) = %v, want cap 16s", got)
	}
	if got := b.wait(2); got != 4*time.Second {
		t.Errorf("wait(2) = %v, want 4s", got)
	}
}

func TestBackoff_Reset(t *testing.T) {
	clock := NewManualClock(epoch)
	b := newTestBackoff(clock)

	var calls int
	b.Call("k", func() { calls++ })
	b.Call("k", func() { calls++ })
	b.Reset("k")

	clock.Advance(time.Minute)
	if calls != 1 {
		t.Errorf("reset should cancel the deferred call, calls = %d", calls)
	}
	if clock.Pending() != 0 {
		t.Errorf("reset should stop all timers, %d pending", clock.Pending())
	}
}
