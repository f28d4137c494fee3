package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mschirtzinger/calsync/internal/schema"
	csync "github.com/mschirtzinger/calsync/internal/sync"
)

// RejectedSuffix is appended to inbox files that could not be applied.
const RejectedSuffix = ".rejected"

// InboxAction is the content of one inbox file: a single local edit addressed
// to a collection.
type InboxAction struct {
	Collection string `json:"collection"`
	schema.Action
}

// ReadInboxFile parses an inbox file. The returned collection has been
// validated.
func ReadInboxFile(path string) (InboxAction, csync.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InboxAction{}, csync.Collection{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var act InboxAction
	if err := json.Unmarshal(data, &act); err != nil {
		return InboxAction{}, csync.Collection{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if act.Type == "" {
		return InboxAction{}, csync.Collection{}, fmt.Errorf("%s: missing action", path)
	}

	coll, err := csync.ParseCollection(act.Collection)
	if err != nil {
		return InboxAction{}, csync.Collection{}, fmt.Errorf("%s: %w", path, err)
	}
	return act, coll, nil
}

// WriteInboxFile drops act into dir under a unique name. The file is written
// under a temporary name and renamed so the watcher never sees a partial
// write.
func WriteInboxFile(dir string, act InboxAction) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create inbox %s: %w", dir, err)
	}
	data, err := json.Marshal(act)
	if err != nil {
		return "", fmt.Errorf("failed to encode action: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "action-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create inbox file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write inbox file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write inbox file: %w", err)
	}

	final := strings.TrimSuffix(tmp.Name(), ".tmp") + ".json"
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to publish inbox file: %w", err)
	}
	return final, nil
}

// pendingInboxFiles lists the *.json files already in dir, in name order.
func pendingInboxFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list inbox %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
