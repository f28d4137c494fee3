package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/daemon"
	"github.com/mschirtzinger/calsync/internal/dashboard"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Refetch the active collections on start and every daemon.poll_interval
  2. Apply edit files dropped into daemon.inbox (see 'event add --inbox')
  3. Submit unsaved edits after sync.debounce of quiet
  4. Evict idle, fully saved collections from the cache

With --dashboard, sync activity is also broadcast over WebSocket.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		runDaemon(withDashboard, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run the sync daemon with the real-time WebSocket dashboard",
	Long: `Run the sync daemon and a WebSocket dashboard for watching it.

WebSocket messages include:
- conflict: a remote change overrode or collided with a local edit
- sync_complete: a batch settled
- fetch: a refetch settled
- stats: cached collections and unsaved record counts

Example usage:
  calsync dashboard                   # Start on dashboard.port (8080)
  calsync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}
		runDaemon(true, port)
	},
}

func runDaemon(withDashboard bool, port int) {
	a, err := openApp()
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	colls, err := a.activeCollections()
	if err != nil {
		fatalf("%v", err)
	}
	names := make([]string, len(colls))
	for i, c := range colls {
		names[i] = c.Name
	}

	config := &daemon.Config{
		InboxDir:      cfg.Daemon.Inbox,
		Collections:   names,
		PollInterval:  cfg.Daemon.PollInterval,
		SweepInterval: cfg.Cache.SweepInterval,
		IdleEvict:     cfg.Cache.IdleEvict,
		AutosaveDelay: cfg.Sync.Debounce,
		FlushOnStop:   true,
		Logger:        logs.Logger("daemon"),
	}

	var server *dashboard.Server
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Port:      port,
			Conflicts: a.conflicts,
			Logger:    logs.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}
		handler := dashboard.NewHandler(server, a.store, logs.Logger("dashboard"))
		handler.Watch(a.conflicts, a.engine)
		defer handler.Close()
		config.OnSync = handler.OnSyncComplete
	}

	d, err := daemon.NewWithConfig(a.engine, config)
	if err != nil {
		fatalf("failed to create daemon: %v", err)
	}

	fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent(ui.IconDot))
	fmt.Printf("   Inbox: %s\n", cfg.Daemon.Inbox)
	fmt.Printf("   Cache: %s\n", a.db.Path())
	fmt.Printf("   Collections: %d\n", len(names))
	if server != nil {
		fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = d.Start(ctx)
	if server != nil {
		if stopErr := server.Stop(); stopErr != nil {
			fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", stopErr)
		}
	}
	if err != nil {
		fatalf("daemon stopped with error: %v", err)
	}
	fmt.Println("Daemon stopped")
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (default: dashboard.port)")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
