package sync

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	"github.com/mschirtzinger/calsync/internal/schema"
	"github.com/mschirtzinger/calsync/internal/transport"
)

// ScheduleRefetch requests an authoritative refetch of c. Requests are
// debounced per collection and then spaced out by the backoff registry, so a
// burst of conflicts costs one fetch.
func (e *Engine) ScheduleRefetch(c Collection) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	e.debouncer.Schedule("refetch:"+c.Name, func() {
		e.backoff.Call(c.Name, func() {
			if err := e.Refetch(e.ctx, c); err != nil {
				e.logger.Printf("Refetch of %s failed: %v", c.Name, err)
			}
		})
	}, e.config.RefetchDebounce)
}

// RefetchPending reports whether a refetch of c is scheduled but not yet run.
func (e *Engine) RefetchPending(c Collection) bool {
	return e.debouncer.HasPending("refetch:"+c.Name) || e.backoff.HasPending(c.Name)
}

// Refetch loads the server's copy of c and reconciles it into the cache.
// Fetch listeners are told when it starts and settles.
func (e *Engine) Refetch(ctx context.Context, c Collection) error {
	e.notifyStarted(c.Name)

	err := e.refetch(ctx, c)
	e.notifySettled(c.Name, err)
	return err
}

func (e *Engine) refetch(ctx context.Context, c Collection) error {
	epoch := e.epoch(c.Name)

	var server []schema.Record
	err := e.requester.Do(ctx, c.FetchPath, transport.Request{
		Method:  http.MethodGet,
		Timeout: e.config.Timeout,
	}, &server)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", c.Name, err)
	}

	// A batch settled while the fetch was out; its etags are newer than
	// what the fetch saw. One still out may have created records the fetch
	// already lists under their server ids.
	if e.epoch(c.Name) != epoch || e.InFlight(c.Name) {
		e.logger.Printf("Discarding stale fetch of %s", c.Name)
		e.ScheduleRefetch(c)
		return nil
	}

	opts := reconcile.Options{
		Collection:   c.Name,
		AllowRevival: e.config.AllowRevival,
		Now:          e.clock.Now(),
		ChillTime:    e.config.ChillTime,
		Conflicts:    e.conflicts,
	}
	if err := e.store.Update(c.Name, cache.SourceFetch, func(local []schema.Record) ([]schema.Record, error) {
		return reconcile.Reconcile(local, server, opts), nil
	}); err != nil {
		return fmt.Errorf("failed to reconcile %s: %w", c.Name, err)
	}
	return nil
}

// OnFetch registers l for refetch notifications. The returned func
// unregisters it.
func (e *Engine) OnFetch(l FetchListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) snapshotListeners() []FetchListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FetchListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out
}

func (e *Engine) notifyStarted(name string) {
	for _, l := range e.snapshotListeners() {
		l.FetchStarted(name)
	}
}

func (e *Engine) notifySettled(name string, err error) {
	for _, l := range e.snapshotListeners() {
		l.FetchSettled(name, err)
	}
}

// Flush submits c's dirty records and then refetches it, so the cache ends
// up with the server's view including records created elsewhere.
func (e *Engine) Flush(ctx context.Context, c Collection) (*Result, error) {
	res, err := e.Mutate(ctx, c)
	if err != nil {
		return res, err
	}
	if err := e.Refetch(ctx, c); err != nil {
		return res, err
	}
	return res, nil
}
