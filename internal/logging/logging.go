// Package logging builds the per-component loggers used across calsync.
//
// Every component logs through a stdlib *log.Logger prefixed with its name,
// e.g. "[sync] ". When a log file is configured the output is also written
// to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures where log output goes.
type Options struct {
	// File receives a copy of all output when set.
	File string

	// MaxSizeMB is the size at which File is rotated.
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Quiet drops stderr output. File output is unaffected.
	Quiet bool

	// Stderr overrides the terminal writer (default: os.Stderr).
	Stderr io.Writer
}

// Factory hands out component loggers sharing one destination.
type Factory struct {
	out    io.Writer
	rotate *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a Factory for opts.
func New(opts Options) *Factory {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, stderr)
	}

	var rotate *lumberjack.Logger
	if opts.File != "" {
		rotate = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, rotate)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	return &Factory{
		out:     out,
		rotate:  rotate,
		loggers: make(map[string]*log.Logger),
	}
}

// Discard returns a Factory whose loggers write nowhere.
func Discard() *Factory {
	return &Factory{out: io.Discard, loggers: make(map[string]*log.Logger)}
}

// Logger returns the logger for component, creating it on first use.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.rotate == nil {
		return nil
	}
	return f.rotate.Close()
}
