package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marginalia-app/marginalia/internal/dashboard"
	"github.com/marginalia-app/marginalia/internal/engine"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run sync continuously: a cycle on startup, then on a periodic timer,
plus an immediate cycle whenever another device's journal or snapshot files
appear in the shared folder.

With --dashboard, a WebSocket server broadcasts status changes:
  ws://<addr>/ws       status event stream
  http://<addr>/status JSON status snapshot

Logs go to stderr, or to a rotating file when log_file is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		logger := daemonLogger()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cfg := engineConfig()
		cfg.Logger = logger
		eng := engine.New(st, cfg)
		if err := eng.Initialize(cmd.Context()); err != nil {
			return err
		}

		status := eng.Status()
		if status.State == engine.StateDisabled {
			return fmt.Errorf("sync is not configured; run 'mgn configure <folder>' first")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var server *dashboard.Server
		if withDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:   viper.GetString("dashboard_addr"),
				Logger: log.New(logger.Writer(), "[dashboard] ", log.LstdFlags),
			}, eng.Status)
			if err := server.Start(); err != nil {
				return err
			}
			detach := server.Attach(eng)
			defer detach()
			defer func() { _ = server.Stop() }()
			fmt.Printf("Dashboard: http://localhost%s/status\n", viper.GetString("dashboard_addr"))
		}

		eng.Run(ctx)
		defer eng.Stop()

		// The watcher only accelerates pulls; if it can't start (some network
		// mounts don't support inotify) the timer alone carries the load.
		watcher, err := engine.NewFolderWatcher(viper.GetDuration("watch_debounce"))
		if err == nil {
			device, derr := st.DeviceContext(ctx)
			if derr == nil && status.FolderPath != "" {
				if werr := watcher.Start(status.FolderPath, device.DeviceID); werr != nil {
					logger.Printf("Folder watcher unavailable, relying on timer: %v", werr)
				} else {
					defer watcher.Stop()
					go func() {
						for {
							select {
							case <-ctx.Done():
								return
							case <-watcher.Triggers():
								eng.TriggerSync(ctx)
							}
						}
					}()
				}
			}
		} else {
			logger.Printf("Folder watcher unavailable, relying on timer: %v", err)
		}

		fmt.Println("Sync daemon running. Press Ctrl+C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
		case <-ctx.Done():
		}

		fmt.Println("Shutting down")
		return nil
	},
}

// daemonLogger builds the daemon's logger, routing through a rotating file
// when log_file is set.
func daemonLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return log.New(out, "[engine] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket status dashboard")
	rootCmd.AddCommand(daemonCmd)
}
