package main

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mschirtzinger/calsync/internal/config"
	"github.com/mschirtzinger/calsync/internal/logging"
)

func stubExit(t *testing.T) *[]int {
	t.Helper()
	var codes []int
	prev := osExit
	osExit = func(code int) { codes = append(codes, code) }
	t.Cleanup(func() {
		osExit = prev
		exitMu.Lock()
		atExit = nil
		exitMu.Unlock()
	})
	return &codes
}

func TestExit_RunsCleanupsNewestFirst(t *testing.T) {
	codes := stubExit(t)

	var order []string
	onExit(func() { order = append(order, "first") })
	onExit(func() { order = append(order, "second") })

	exit(3)
	if want := []string{"second", "first"}; !reflect.DeepEqual(order, want) {
		t.Errorf("cleanup order = %v, want %v", order, want)
	}
	if !reflect.DeepEqual(*codes, []int{3}) {
		t.Errorf("exit codes = %v, want [3]", *codes)
	}

	exit(1)
	if len(order) != 2 {
		t.Errorf("cleanups must run once, got %v", order)
	}
}

func TestExit_ClosesOpenCache(t *testing.T) {
	stubExit(t)

	prevCfg, prevLogs := cfg, logs
	t.Cleanup(func() { cfg, logs = prevCfg, prevLogs })
	cfg = &config.Config{Cache: config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")}}
	logs = logging.Discard()

	a, err := openCache()
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}
	if _, err := a.db.ListEntries(); err != nil {
		t.Fatalf("ListEntries on open cache: %v", err)
	}

	exit(1)
	a.closeOnce.Do(func() {
		t.Error("cache should be closed once exit runs")
	})

	// A deferred Close after the exit path is harmless.
	a.Close()
}
