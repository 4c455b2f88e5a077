package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicehq/alice/internal/autoaction"
	"github.com/alicehq/alice/internal/bus"
	"github.com/alicehq/alice/internal/config"
	"github.com/alicehq/alice/internal/controlplane"
	"github.com/alicehq/alice/internal/hooks"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/notify"
	"github.com/alicehq/alice/internal/provider"
	"github.com/alicehq/alice/internal/queue"
	"github.com/alicehq/alice/internal/report"
	"github.com/alicehq/alice/internal/store"
	"github.com/alicehq/alice/internal/watcher"
)

var (
	daemonPort int
	dbPath     string
	configPath string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the alice daemon",
	Long:  `Starts the daemon that watches transcripts, serves the HTTP API, and runs the task queue.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().IntVar(&daemonPort, "port", 7433, "loopback port for the API server (0 picks one)")
	daemonCmd.Flags().StringVar(&dbPath, "db", filepath.Join(config.Dir(), "alice.db"), "path to the SQLite database")
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to the config file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting alice daemon...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, err := store.New(dbPath)
	if err != nil {
		return err
	}

	b := bus.New()
	notifier := notify.New(func() bool { return cfg.Notifications.Voice })
	tray := notify.NewTray(b)

	roots := watcher.EnabledRoots(installedProviders())
	w := watcher.New(s, b, tray, roots)

	tailer := hooks.NewTailer(filepath.Join(config.Dir(), hooks.EventLogName), b, notifier)

	runner := queue.NewRunner(s, b, notifier, cfg)
	timer := autoaction.New(cfg, b)

	reporter := report.New(s, filepath.Join(config.Dir(), "reports"))
	if err := reporter.Start(); err != nil {
		log.Printf("daemon: reports disabled: %v", err)
	}
	defer reporter.Stop()

	service := controlplane.NewService(s, runner, timer, notifier, b, version)
	server := controlplane.NewServer(service, daemonPort, filepath.Join(config.Dir(), controlplane.PortFileName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := w.Start(ctx); err != nil {
			log.Printf("daemon: watcher: %v", err)
		}
	}()
	go tailer.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	cancel()
	runner.StopQueue()
	timer.Cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// installedProviders returns the providers whose CLIs are on PATH,
// falling back to the full set so transcripts written by other machines
// still get indexed.
func installedProviders() []models.Provider {
	var installed []models.Provider
	for _, p := range models.AllProviders {
		if provider.IsInstalled(p) {
			installed = append(installed, p)
		}
	}
	if len(installed) == 0 {
		return models.AllProviders
	}
	return installed
}
