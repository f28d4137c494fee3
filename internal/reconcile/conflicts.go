package reconcile

import (
	"fmt"
	"sync"
	"time"
)

// DefaultConflictCapacity is how many notifications a ConflictLog retains.
const DefaultConflictCapacity = 100

// Conflict is one notification that local state yielded to the server.
type Conflict struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Collection string    `json:"collection,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Message    string    `json:"message"`
}

// ConflictLog is a bounded ring buffer of conflict notifications with
// subscribers. It is purely observational: nothing reads it back to make
// decisions.
type ConflictLog struct {
	mu      sync.Mutex
	entries []Conflict
	next    int
	full    bool
	seq     uint64
	subs    map[uint64]func(Conflict)
	subSeq  uint64
	now     func() time.Time
}

// NewConflictLog creates a log holding the last capacity entries. A
// capacity <= 0 uses DefaultConflictCapacity.
func NewConflictLog(capacity int) *ConflictLog {
	if capacity <= 0 {
		capacity = DefaultConflictCapacity
	}
	return &ConflictLog{
		entries: make([]Conflict, capacity),
		subs:    make(map[uint64]func(Conflict)),
		now:     time.Now,
	}
}

// Report records a notification and fans it out to subscribers.
// A nil log discards the report.
func (l *ConflictLog) Report(collection, recordID, format string, args ...any) Conflict {
	if l == nil {
		return Conflict{}
	}

	l.mu.Lock()
	l.seq++
	c := Conflict{
		ID:         l.seq,
		Timestamp:  l.now(),
		Collection: collection,
		RecordID:   recordID,
		Message:    fmt.Sprintf(format, args...),
	}
	l.entries[l.next] = c
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}

	subs := make([]func(Conflict), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
	return c
}

// Recent returns the retained entries, oldest first.
func (l *ConflictLog) Recent() []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]Conflict(nil), l.entries[:l.next]...)
	}
	out := make([]Conflict, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of retained entries.
func (l *ConflictLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Subscribe registers fn for every future report and returns a function
// that removes it. fn runs on the reporting goroutine and must not block.
func (l *ConflictLog) Subscribe(fn func(Conflict)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.subSeq++
	id := l.subSeq
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}
