// Package migrate imports events from JSONL exports into the local cache.
//
// Every imported event enters the working set through the reducer's create
// action, so it is dirty, carries a temporary id and is submitted by the next
// sync like any other local edit.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/schema"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

// EventLine is one line of an events JSONL export.
type EventLine struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ColorID     string    `json:"color_id,omitempty"`
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL  string // Input JSONL file path
	CalendarID string // Calendar the events are created in
	DryRun     bool   // Validate without touching the cache
	Backup     bool   // Copy the input aside first
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Collection    string
	Read          int
	Created       int
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a JSONL file and returns the parsed events.
func FromJSONL(jsonlPath string) ([]EventLine, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var events []EventLine
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var ev EventLine
		if err := decoder.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		events = append(events, ev)
	}

	return events, nil
}

// Record converts the line into record content for calendarID.
func (e EventLine) Record(calendarID string) schema.Record {
	return schema.Record{
		CalendarID:  calendarID,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       e.Start,
		End:         e.End,
		ColorID:     e.ColorID,
	}
}

// Import creates every event of opts.FromJSONL in the calendar's collection.
// Events the reducer rejects are reported in Errors and skipped.
func Import(ctx context.Context, store *cache.Store, opts ImportOptions) (*ImportResult, error) {
	if opts.CalendarID == "" {
		return nil, fmt.Errorf("calendar id is required")
	}
	coll := csync.Events(opts.CalendarID)
	result := &ImportResult{Collection: coll.Name}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	events, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Read = len(events)

	// a dry run reduces against a scratch copy of the working set
	scratch := store.Get(coll.Name)

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		action := schema.Action{Type: schema.ActionCreate, Record: ev.Record(opts.CalendarID)}
		if opts.DryRun {
			next, err := schema.Reduce(scratch, action, time.Now())
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
				continue
			}
			scratch = next
		} else if _, err := store.Apply(coll.Name, action); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		result.Created++
	}

	return result, nil
}
