package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	"github.com/mschirtzinger/calsync/internal/schedule"
	"github.com/mschirtzinger/calsync/internal/schema"
	"github.com/mschirtzinger/calsync/internal/transport"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// fakeServer is an in-memory transport.Requester.
type fakeServer struct {
	mu      gosync.Mutex
	batches [][]transport.BatchItem
	fetches int

	batchFn func(ctx context.Context, call int, items []transport.BatchItem) ([]transport.BatchResult, error)
	fetchFn func() ([]schema.Record, error)
}

func (f *fakeServer) Do(ctx context.Context, path string, req transport.Request, out any) error {
	switch req.Method {
	case http.MethodPost:
		items := req.Body.([]transport.BatchItem)
		f.mu.Lock()
		f.batches = append(f.batches, items)
		call := len(f.batches)
		f.mu.Unlock()

		results, err := f.batchFn(ctx, call, items)
		if err != nil {
			return err
		}
		*out.(*[]transport.BatchResult) = results
		return nil

	case http.MethodGet:
		f.mu.Lock()
		f.fetches++
		f.mu.Unlock()
		if f.fetchFn == nil {
			return nil
		}
		list, err := f.fetchFn()
		if err != nil {
			return err
		}
		*out.(*[]schema.Record) = list
		return nil
	}
	return fmt.Errorf("unexpected method %s", req.Method)
}

func (f *fakeServer) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeServer) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type harness struct {
	clock  *schedule.ManualClock
	store  *cache.Store
	server *fakeServer
	engine *Engine
	log    *reconcile.ConflictLog
	coll   Collection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := schedule.NewManualClock(base)
	discard := log.New(io.Discard, "", 0)
	store := cache.NewWithConfig(&cache.Config{Clock: clock, Logger: discard})
	server := &fakeServer{}
	conflicts := reconcile.NewConflictLog(0)

	engine, err := New(&Config{
		Requester:       server,
		Store:           store,
		Clock:           clock,
		Conflicts:       conflicts,
		RefetchDebounce: 500 * time.Millisecond,
		Backoff:         schedule.DefaultBackoffConfig(),
		Logger:          discard,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &harness{clock: clock, store: store, server: server, engine: engine, log: conflicts, coll: Events("c1")}
}

func (h *harness) seed(records ...schema.Record) {
	h.store.Set(h.coll.Name, records, cache.SourceFetch)
}

func (h *harness) get(t *testing.T, key string) schema.Record {
	t.Helper()
	r, err := h.store.Record(h.coll.Name, key)
	if err != nil {
		t.Fatalf("Record(%s): %v", key, err)
	}
	return r
}

func event(id, etag, summary string) schema.Record {
	return schema.Record{
		ID:      id,
		ETag:    etag,
		Summary: summary,
		ColorID: "1",
		Start:   base.Add(time.Hour),
		End:     base.Add(2 * time.Hour),
	}
}

func (h *harness) edit(t *testing.T, id, summary string) {
	t.Helper()
	r := h.get(t, id)
	r.Summary = summary
	if _, err := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionUpdate, Record: r}); err != nil {
		t.Fatalf("update %s: %v", id, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(&Config{Store: cache.New()}); err == nil {
		t.Error("expected error without requester")
	}
	if _, err := New(&Config{Requester: &fakeServer{}}); err == nil {
		t.Error("expected error without store")
	}
}

func TestCollections(t *testing.T) {
	tests := []struct {
		name string
		want Collection
	}{
		{"catalog", Catalog()},
		{"events:work", Collection{Name: "events:work", BatchPath: "/calendars/work/events/batch", FetchPath: "/calendars/work/events"}},
		{"events:a b", Collection{Name: "events:a b", BatchPath: "/calendars/a%20b/events/batch", FetchPath: "/calendars/a%20b/events"}},
	}
	for _, tt := range tests {
		got, err := ParseCollection(tt.name)
		if err != nil {
			t.Fatalf("ParseCollection(%q): %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("ParseCollection(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
	}
	if _, err := ParseCollection("events:"); err == nil {
		t.Error("expected error for empty calendar id")
	}
	if id := Events("work").CalendarID(); id != "work" {
		t.Errorf("CalendarID = %q", id)
	}
	if id := Catalog().CalendarID(); id != "" {
		t.Errorf("catalog CalendarID = %q", id)
	}
}

func TestMutate_NothingDirty(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "clean"))

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if res.Submitted != 0 || h.server.batchCount() != 0 {
		t.Errorf("clean collection must not send a batch: %+v", res)
	}
}

func TestMutate_BuildsOneItemPerDirtyRecord(t *testing.T) {
	h := newHarness(t)
	clean := event("1", "a", "clean")
	updated := event("2", "b", "updated")
	updated.Touch(base)
	deleting := event("3", "c", "gone")
	deleting.IsDeleting = true
	creating := event("tmp-4", schema.CreatingETag, "new")
	h.seed(clean, updated, deleting, creating)

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		out := make([]transport.BatchResult, len(items))
		for i := range out {
			out[i].ETag = fmt.Sprintf("e%d", i)
			out[i].EventID = "srv-4"
		}
		return out, nil
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	items := h.server.batches[0]
	want := []struct{ action, id, etag string }{
		{"PUT", "2", "b"},
		{"DELETE", "3", "c"},
		{"POST", "", ""},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, w := range want {
		if items[i].Action != w.action || items[i].EventID != w.id || items[i].ETag != w.etag {
			t.Errorf("item %d = %+v, want %+v", i, items[i], w)
		}
	}
	if items[1].Body != nil {
		t.Error("DELETE must not carry a body")
	}
	if res.Updated != 1 || res.Deleted != 1 || res.Created != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMutate_CreationAdoptsServerIdentity(t *testing.T) {
	h := newHarness(t)
	list, err := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Review")})
	if err != nil {
		t.Fatal(err)
	}
	tempID := list[0].ID

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{EventID: "42", Record: schema.Record{ETag: "abc", Created: base}}}, nil
	}

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	r := h.get(t, "42")
	if r.ETag != "abc" || r.IsDirty() {
		t.Errorf("created record should be clean with server etag: %+v", r)
	}
	if r.StableKey != tempID {
		t.Errorf("StableKey = %q, want temp id %q", r.StableKey, tempID)
	}
	if got := h.get(t, tempID); got.ID != "42" {
		t.Error("temp id should still resolve through the stable key")
	}
}

func TestMutate_CreationEditedInFlightStaysDirty(t *testing.T) {
	h := newHarness(t)
	list, _ := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Draft")})
	tempID := list[0].ID

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		h.clock.Advance(time.Second)
		h.edit(t, tempID, "Final")
		return []transport.BatchResult{{EventID: "42", Record: schema.Record{ETag: "abc"}}}, nil
	}

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	r := h.get(t, "42")
	if r.Summary != "Final" || !r.IsDirty() || r.IsCreating() {
		t.Errorf("expected persisted but dirty record with newer content: %+v", r)
	}
}

func TestMutate_SelfConflictResolvesSilently(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Sync"))
	h.edit(t, "1", "Sync v2")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		conflict := *items[0].Body
		conflict.ETag = "def"
		return []transport.BatchResult{{Error: "etag mismatch", Status: 409, Conflict: &conflict}}, nil
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if res.Resolved != 1 || res.Conflicts != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	r := h.get(t, "1")
	if r.ETag != "def" || r.IsDirty() {
		t.Errorf("expected conflict etag adopted and clean: %+v", r)
	}
	if h.engine.RefetchPending(h.coll) {
		t.Error("self-conflict must not schedule a refetch")
	}
	h.clock.Advance(time.Minute)
	if h.server.fetchCount() != 0 {
		t.Errorf("fetches = %d, want 0", h.server.fetchCount())
	}
}

func TestMutate_RealConflictSchedulesRefetch(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Mine"))
	h.edit(t, "1", "Mine v2")

	remote := event("1", "xyz", "Theirs")
	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{Error: "conflict", Status: 409, Conflict: &remote}}, nil
	}
	h.server.fetchFn = func() ([]schema.Record, error) {
		return []schema.Record{remote}, nil
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if r := h.get(t, "1"); r.ETag != "abc" || !r.IsDirty() {
		t.Errorf("record must stay dirty until reconciled: %+v", r)
	}
	if !h.engine.RefetchPending(h.coll) {
		t.Fatal("expected a pending refetch")
	}

	h.clock.Advance(500 * time.Millisecond)
	if h.server.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", h.server.fetchCount())
	}

	// The edit is hot, so it survives and is rebased onto the server etag.
	r := h.get(t, "1")
	if r.Summary != "Mine v2" || r.ETag != "xyz" || !r.IsDirty() {
		t.Errorf("hot edit should win and rebase: %+v", r)
	}
}

func TestMutate_DeleteNotFoundIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Old"), event("2", "def", "Keep"))
	if _, err := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionDelete, Record: schema.Record{ID: "1"}}); err != nil {
		t.Fatal(err)
	}

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{Error: "not found", Status: 404}}, nil
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if len(res.Errors) != 0 || res.Deleted != 1 {
		t.Errorf("404 on delete should count as success: %+v", res)
	}
	if _, err := h.store.Record(h.coll.Name, "1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("record should be removed, got %v", err)
	}
	if h.engine.RefetchPending(h.coll) {
		t.Error("benign 404 must not refetch")
	}
}

func TestMutate_UpdateNotFoundIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Old"))
	h.edit(t, "1", "New")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{Error: "not found", Status: 404}}, nil
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if len(res.Errors) != 1 || !transport.IsNotFound(res.Errors[0]) {
		t.Errorf("expected surfaced 404, got %+v", res.Errors)
	}
	if !h.engine.RefetchPending(h.coll) {
		t.Error("404 on update should refetch")
	}
}

func TestMutate_InterleavedEditKeepsNewerContent(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Plan"))
	h.edit(t, "1", "Plan A")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		// Second edit lands while the first is on the wire.
		h.clock.Advance(time.Second)
		h.edit(t, "1", "Plan B")

		r := *items[0].Body
		r.ETag = "abd"
		return []transport.BatchResult{{Record: r}}, nil
	}

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	r := h.get(t, "1")
	if r.ETag != "abd" {
		t.Errorf("etag = %q, want abd", r.ETag)
	}
	if r.Summary != "Plan B" || !r.IsDirty() {
		t.Errorf("newer edit must be preserved and stay dirty: %+v", r)
	}
}

func TestMutate_UpdateAdoptsServerFields(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "abc", "Plan"))
	h.edit(t, "1", "plan")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		r := *items[0].Body
		r.ETag = "abd"
		r.Summary = "Plan (normalized)"
		r.Unsaved = 0
		return []transport.BatchResult{{Record: r}}, nil
	}

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	r := h.get(t, "1")
	if r.Summary != "Plan (normalized)" || r.ETag != "abd" || r.IsDirty() {
		t.Errorf("server copy should be adopted: %+v", r)
	}
}

func TestMutate_SizeMismatchAppliesNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "One"), event("2", "b", "Two"))
	h.edit(t, "1", "One!")
	h.edit(t, "2", "Two!")
	before := h.store.Get(h.coll.Name)

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{Record: schema.Record{ETag: "x"}}}, nil
	}

	_, err := h.engine.Mutate(context.Background(), h.coll)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	after := h.store.Get(h.coll.Name)
	for i := range before {
		if before[i].ETag != after[i].ETag || before[i].Unsaved != after[i].Unsaved {
			t.Errorf("record %s changed after a size mismatch", before[i].ID)
		}
	}
	if !h.engine.RefetchPending(h.coll) {
		t.Error("size mismatch must schedule a refetch")
	}
}

func TestMutate_TopLevelConflictRefetchesOnlyWhenDirty(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "One"))
	h.edit(t, "1", "One!")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return nil, &transport.StatusError{Status: 409, Message: "stale batch"}
	}

	_, err := h.engine.Mutate(context.Background(), h.coll)
	if !transport.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !h.engine.RefetchPending(h.coll) {
		t.Error("dirty collection should refetch after a batch-level 409")
	}
}

func TestMutate_TransportFailureKeepsEditsDirty(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "One"))
	h.edit(t, "1", "One!")

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return nil, &transport.StatusError{Reason: transport.ReasonTimedOut}
	}

	_, err := h.engine.Mutate(context.Background(), h.coll)
	if !errors.Is(err, transport.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !h.get(t, "1").IsDirty() {
		t.Error("failed sync must not lose the edit")
	}
	if h.engine.RefetchPending(h.coll) {
		t.Error("transport failures are not reconciled")
	}
}

func TestMutate_DiscardsCreatedThenDeleted(t *testing.T) {
	h := newHarness(t)
	list, _ := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Oops")})
	if _, err := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionDelete, Record: schema.Record{ID: list[0].ID}}); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.Mutate(context.Background(), h.coll)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if res.Discarded != 1 || h.server.batchCount() != 0 {
		t.Errorf("never-sent record should be discarded locally: %+v", res)
	}
	if n := len(h.store.Get(h.coll.Name)); n != 0 {
		t.Errorf("cache holds %d records, want 0", n)
	}
}

func TestMutate_SupersededBatchIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "One"))
	h.edit(t, "1", "One!")

	started := make(chan struct{})
	h.server.batchFn = func(ctx context.Context, call int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		if call == 1 {
			close(started)
			<-ctx.Done()
			// A late success for the cancelled batch must be ignored.
			return []transport.BatchResult{{Record: schema.Record{ETag: "late"}}}, nil
		}
		return []transport.BatchResult{{Record: schema.Record{ETag: "b"}}}, nil
	}

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.engine.Mutate(context.Background(), h.coll)
		first <- outcome{res, err}
	}()

	<-started
	if !h.engine.InFlight(h.coll.Name) {
		t.Fatal("expected a batch in flight")
	}
	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("second Mutate failed: %v", err)
	}

	got := <-first
	if got.err != nil || got.res == nil || !got.res.Stale {
		t.Errorf("first batch should be reported stale, got %+v %v", got.res, got.err)
	}
	if r := h.get(t, "1"); r.ETag != "b" || r.IsDirty() {
		t.Errorf("only the newest batch may apply: %+v", r)
	}
	if h.engine.InFlight(h.coll.Name) {
		t.Error("no batch should remain in flight")
	}
}

func countID(list []schema.Record, id string) int {
	n := 0
	for _, r := range list {
		if r.ID == id {
			n++
		}
	}
	return n
}

func TestRefetch_DuringCreationDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	list, _ := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Review")})
	tempID := list[0].ID

	started := make(chan struct{})
	release := make(chan struct{})
	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		close(started)
		<-release
		return []transport.BatchResult{{EventID: "42", Record: schema.Record{ETag: "abc"}}}, nil
	}
	h.server.fetchFn = func() ([]schema.Record, error) {
		return []schema.Record{event("42", "abc", "Review")}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Mutate(context.Background(), h.coll)
		done <- err
	}()

	<-started
	if err := h.engine.Refetch(context.Background(), h.coll); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if got := h.store.Get(h.coll.Name); len(got) != 1 || got[0].ID != tempID {
		t.Errorf("fetch must not reconcile while a batch is out: %+v", got)
	}
	if !h.engine.RefetchPending(h.coll) {
		t.Error("skipped fetch should be rescheduled")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if n := countID(h.store.Get(h.coll.Name), "42"); n != 1 {
		t.Errorf("records with id 42 = %d, want 1", n)
	}
}

func TestMutate_CreationDropsFetchedCopy(t *testing.T) {
	h := newHarness(t)
	list, _ := h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Review")})
	tempID := list[0].ID

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		// The server copy lands in the cache before the batch settles.
		_ = h.store.Update(h.coll.Name, cache.SourceFetch, func(list []schema.Record) ([]schema.Record, error) {
			return append(list, event("42", "abc", "Review")), nil
		})
		return []transport.BatchResult{{EventID: "42", Record: schema.Record{ETag: "abc"}}}, nil
	}

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	got := h.store.Get(h.coll.Name)
	if len(got) != 1 {
		t.Fatalf("expected one record, got %+v", got)
	}
	if got[0].ID != "42" || got[0].StableKey != tempID || got[0].IsDirty() {
		t.Errorf("kept record should be the adopted creation: %+v", got[0])
	}
}

func TestMutate_WaitsForSettlingBatch(t *testing.T) {
	h := newHarness(t)
	h.store.Apply(h.coll.Name, schema.Action{Type: schema.ActionCreate, Record: event("", "", "Review")})

	h.server.batchFn = func(_ context.Context, _ int, items []transport.BatchItem) ([]transport.BatchResult, error) {
		return []transport.BatchResult{{EventID: "42", Record: schema.Record{ETag: "abc"}}}, nil
	}

	var once gosync.Once
	second := make(chan error, 1)
	unsub := h.store.Subscribe(func(c cache.Change) {
		if c.Source != cache.SourceSync {
			return
		}
		once.Do(func() {
			go func() {
				_, err := h.engine.Mutate(context.Background(), h.coll)
				second <- err
			}()
		})
	})
	defer unsub()

	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second Mutate failed: %v", err)
	}
	if n := h.server.batchCount(); n != 1 {
		t.Errorf("batches = %d, want 1: the creation must not be resubmitted", n)
	}
	if n := countID(h.store.Get(h.coll.Name), "42"); n != 1 {
		t.Errorf("records with id 42 = %d, want 1", n)
	}
}

type recordingListener struct {
	mu      gosync.Mutex
	events  []string
	lastErr error
}

func (l *recordingListener) FetchStarted(c string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "started:"+c)
}

func (l *recordingListener) FetchSettled(c string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "settled:"+c)
	l.lastErr = err
}

func TestRefetch_ReconcilesAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.seed(event("1", "a", "Local"), event("2", "b", "Gone"))

	h.server.fetchFn = func() ([]schema.Record, error) {
		return []schema.Record{event("1", "a2", "Remote"), event("3", "c", "New")}, nil
	}

	l := &recordingListener{}
	unsub := h.engine.OnFetch(l)
	defer unsub()

	if err := h.engine.Refetch(context.Background(), h.coll); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}

	got := h.store.Get(h.coll.Name)
	if len(got) != 2 || got[0].Summary != "Remote" || got[1].ID != "3" {
		t.Errorf("unexpected reconciled list: %+v", got)
	}
	if len(l.events) != 2 || l.events[0] != "started:events:c1" || l.events[1] != "settled:events:c1" {
		t.Errorf("unexpected listener events: %v", l.events)
	}
	if h.log.Len() != 0 {
		t.Errorf("clean records must not report conflicts, got %+v", h.log.Recent())
	}
}

func TestRefetch_ErrorIsReportedToListeners(t *testing.T) {
	h := newHarness(t)
	h.server.fetchFn = func() ([]schema.Record, error) {
		return nil, &transport.StatusError{Status: 503}
	}
	l := &recordingListener{}
	h.engine.OnFetch(l)

	err := h.engine.Refetch(context.Background(), h.coll)
	if !transport.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if l.lastErr == nil {
		t.Error("listener should see the fetch error")
	}
}

func TestScheduleRefetch_CoalescesBursts(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.engine.ScheduleRefetch(h.coll)
		h.clock.Advance(100 * time.Millisecond)
	}
	h.clock.Advance(time.Second)
	if n := h.server.fetchCount(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestClose_CancelsPendingRefetch(t *testing.T) {
	h := newHarness(t)
	h.engine.ScheduleRefetch(h.coll)
	h.engine.Close()
	h.clock.Advance(time.Minute)
	if n := h.server.fetchCount(); n != 0 {
		t.Errorf("fetches = %d after Close, want 0", n)
	}
	if _, err := h.engine.Mutate(context.Background(), h.coll); err != nil {
		t.Errorf("clean collection after Close should be a no-op, got %v", err)
	}
}
