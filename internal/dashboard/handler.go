package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

// Handler turns conflict reports, batch outcomes and refetches into
// dashboard messages. It bridges the sync engine and the WebSocket server.
type Handler struct {
	server *Server
	store  *cache.Store
	logger *log.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewHandler creates a Handler broadcasting through server. store, when
// non-nil, backs the stats messages.
func NewHandler(server *Server, store *cache.Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		store:  store,
		logger: logger,
	}
}

// Watch subscribes the handler to conflict reports and refetches.
// Either argument may be nil.
func (h *Handler) Watch(conflicts *reconcile.ConflictLog, engine *csync.Engine) {
	var unsubs []func()
	if conflicts != nil {
		unsubs = append(unsubs, conflicts.Subscribe(h.OnConflict))
	}
	if engine != nil {
		unsubs = append(unsubs, engine.OnFetch(h))
	}
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsubs...)
	h.mu.Unlock()
}

// Close drops the handler's subscriptions.
func (h *Handler) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// OnConflict broadcasts one conflict report.
func (h *Handler) OnConflict(c reconcile.Conflict) {
	h.send(MessageTypeConflict, c.Timestamp, ConflictData{
		ID:         c.ID,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		Message:    c.Message,
	})
}

// OnSyncComplete broadcasts a settled batch followed by fresh stats.
func (h *Handler) OnSyncComplete(collection string, res *csync.Result, err error, duration time.Duration) {
	data := SyncCompleteData{Collection: collection, Duration: duration}
	if res != nil {
		data.Submitted = res.Submitted
		data.Created = res.Created
		data.Updated = res.Updated
		data.Deleted = res.Deleted
		data.Conflicts = res.Conflicts
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.logger.Printf("Sync complete: %s %d sent in %v", collection, data.Submitted, duration)

	h.send(MessageTypeSyncComplete, time.Now(), data)
	h.BroadcastStats()
}

// FetchStarted implements sync.FetchListener.
func (h *Handler) FetchStarted(string) {}

// FetchSettled implements sync.FetchListener.
func (h *Handler) FetchSettled(collection string, err error) {
	data := FetchData{Collection: collection}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeFetch, time.Now(), data)
}

// Stats computes cache statistics over the collections held in memory.
func (h *Handler) Stats() StatsData {
	stats := StatsData{ByColl: make(map[string]int)}
	if h.store == nil {
		return stats
	}
	for _, name := range h.store.Collections() {
		records := h.store.Get(name)
		dirty := len(reconcile.TouchList(records))
		stats.Collections++
		stats.Records += len(records)
		stats.Dirty += dirty
		if dirty > 0 {
			stats.ByColl[name] = dirty
		}
	}
	return stats
}

// BroadcastStats sends current statistics to all clients.
func (h *Handler) BroadcastStats() {
	h.send(MessageTypeStats, time.Now(), h.Stats())
}

func (h *Handler) send(typ MessageType, ts time.Time, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: ts,
		Data:      dataJSON,
	})
}
