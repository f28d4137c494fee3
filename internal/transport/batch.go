package transport

import (
	"net/http"
	"strings"

	"github.com/mschirtzinger/calsync/internal/schema"
)

// BatchItem is one entry of a batch request.
type BatchItem struct {
	Action  string         `json:"action"` // POST, PUT or DELETE
	EventID string         `json:"event_id,omitempty"`
	ETag    string         `json:"etag,omitempty"`
	Body    *schema.Record `json:"body,omitempty"`
}

// BatchResult is one entry of a batch response: either the updated record
// fields or an error with an optional conflicting version.
type BatchResult struct {
	schema.Record

	EventID  string         `json:"event_id,omitempty"`
	Error    string         `json:"error,omitempty"`
	Status   int            `json:"status,omitempty"`
	Conflict *schema.Record `json:"conflict,omitempty"`
}

// ServerID returns the id the server assigned to the record.
func (r BatchResult) ServerID() string {
	if r.EventID != "" {
		return r.EventID
	}
	return r.ID
}

// Failed reports whether the entry is an error.
func (r BatchResult) Failed() bool {
	return r.Error != "" || r.Status >= 400
}

// Err returns the entry's failure as a StatusError, or nil on success.
func (r BatchResult) Err() error {
	if !r.Failed() {
		return nil
	}
	status := r.Status
	if status == 0 {
		msg := strings.ToLower(r.Error)
		switch {
		case strings.Contains(msg, "409") || strings.Contains(msg, "conflict"):
			status = http.StatusConflict
		case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
			status = http.StatusNotFound
		}
	}
	return &StatusError{Status: status, Message: r.Error, Conflict: r.Conflict}
}
