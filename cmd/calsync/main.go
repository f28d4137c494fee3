package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/config"
	"github.com/mschirtzinger/calsync/internal/logging"
)

var (
	cfgFile string
	quiet   bool

	cfg  *config.Config
	logs *logging.Factory

	exitMu sync.Mutex
	atExit []func()
	osExit = os.Exit
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Offline-first calendar cache with background sync",
	Long: `calsync keeps a local cache of your calendars and events.

Edits are applied to the cache immediately and submitted to the server in
batches. Conflicting remote changes are reconciled into the cache, keeping
recent local edits and reporting what changed underneath them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logs = logging.New(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Quiet:      quiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./calsync.toml or ~/.config/calsync/calsync.toml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output on stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "events", Title: "Calendar data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		exit(1)
	}
}

// onExit registers fn to run when the process leaves through exit. Deferred
// calls do not run on os.Exit, so anything holding the cache open registers
// its Close here.
func onExit(fn func()) {
	exitMu.Lock()
	defer exitMu.Unlock()
	atExit = append(atExit, fn)
}

// exit runs the registered cleanups, newest first, and exits with code.
func exit(code int) {
	exitMu.Lock()
	fns := atExit
	atExit = nil
	exitMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
	osExit(code)
}

// fatalf reports an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exit(1)
}
