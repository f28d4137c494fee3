package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mschirtzinger/calsync/internal/cache"
	"github.com/mschirtzinger/calsync/internal/db"
	"github.com/mschirtzinger/calsync/internal/reconcile"
	csync "github.com/mschirtzinger/calsync/internal/sync"
	"github.com/mschirtzinger/calsync/internal/transport"
)

// app bundles the collaborators a command needs.
type app struct {
	db        *db.DB
	store     *cache.Store
	conflicts *reconcile.ConflictLog
	engine    *csync.Engine

	closeOnce sync.Once
}

// openCache opens the SQLite-backed cache. The engine is not created.
func openCache() (*app, error) {
	database, err := db.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.Cache.Path, err)
	}

	store := cache.NewWithConfig(&cache.Config{
		Persister: database,
		Logger:    logs.Logger("cache"),
	})

	a := &app{
		db:        database,
		store:     store,
		conflicts: reconcile.NewConflictLog(0),
	}
	onExit(a.Close)
	return a, nil
}

// openApp opens the cache and a sync engine talking to the configured server.
func openApp() (*app, error) {
	a, err := openCache()
	if err != nil {
		return nil, err
	}

	requester, err := a.requester()
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := csync.New(&csync.Config{
		Requester:       requester,
		Store:           a.store,
		Conflicts:       a.conflicts,
		RefetchDebounce: cfg.Sync.RefetchDebounce,
		Backoff:         cfg.Sync.Backoff(),
		ChillTime:       cfg.Sync.ChillTime,
		AllowRevival:    cfg.Sync.AllowRevival,
		Timeout:         cfg.Server.Timeout,
		Logger:          logs.Logger("sync"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine

	a.conflicts.Subscribe(func(c reconcile.Conflict) {
		logs.Logger("conflict").Printf("%s %s: %s", c.Collection, c.RecordID, c.Message)
	})
	return a, nil
}

// requester builds the HTTP client from the remembered login, with the
// configured server URL taking precedence.
func (a *app) requester() (*transport.Client, error) {
	login, err := a.db.LoadLogin(cfg.Login.MaxAge)
	switch {
	case errors.Is(err, db.ErrLoginExpired):
		return nil, fmt.Errorf("%w: run 'calsync login' again", err)
	case errors.Is(err, db.ErrNoLogin):
		login = &db.Login{}
	case err != nil:
		return nil, err
	}

	baseURL := cfg.Server.URL
	if baseURL == "" {
		baseURL = login.ServerURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no server configured: set server.url or run 'calsync login'")
	}

	return transport.New(&transport.Config{
		BaseURL: baseURL,
		Timeout: cfg.Server.Timeout,
		Token:   login.Token,
		Logger:  logs.Logger("transport"),
	})
}

// Close releases the engine and the database. It is safe to call more than
// once.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.engine != nil {
			a.engine.Close()
		}
		if err := a.db.Close(); err != nil {
			logs.Logger("cache").Printf("Error closing cache: %v", err)
		}
	})
}

// activeCollections returns the catalog, the configured calendars and every
// collection with a persisted entry, without duplicates.
func (a *app) activeCollections() ([]csync.Collection, error) {
	names := map[string]bool{csync.CatalogName: true}
	for _, id := range cfg.Daemon.Calendars {
		names[csync.Events(id).Name] = true
	}

	entries, err := a.db.ListEntries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		names[e.Collection] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := make([]csync.Collection, 0, len(sorted))
	for _, name := range sorted {
		c, err := csync.ParseCollection(name)
		if err != nil {
			logs.Logger("cache").Printf("Warning: skipping unknown collection %s", name)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
