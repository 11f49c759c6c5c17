package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomledger/dpl/pkg/api"
	"github.com/tomledger/dpl/pkg/events"
	"github.com/tomledger/dpl/pkg/ledger"
	"github.com/tomledger/dpl/pkg/log"
	"github.com/tomledger/dpl/pkg/metrics"
	"github.com/tomledger/dpl/pkg/store"
)

const activeGaugeInterval = 15 * time.Second

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dpl-server",
	Short: "dpl-server runs the Distributed Processing Ledger daemon",
	Long: `dpl-server is the ledger daemon: a file-backed, cross-process
coordination substrate for tracking long-running operations, their
participant call stacks, heartbeats, and temp-resource cleanup.

It serves the ledger.Engine verbs over HTTP so that processes on the
same machine (or reachable over the LAN) can coordinate without a shared
database or consensus protocol.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dpl-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().Int("port", 19880, "Port the ledger server listens on")
	rootCmd.Flags().String("path", defaultLedgerPath(), "Directory the File Store writes ledger documents under")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultLedgerPath() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return filepath.Join(u.HomeDir, ".tom", "distributed_ledger")
	}
	return filepath.Join(".", ".tom", "distributed_ledger")
}

func runServer(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	basePath, _ := cmd.Flags().GetString("path")

	listener := events.Listener(events.ListenerFunc(func(e events.Event) {
		log.WithComponent("store").Debug().
			Str("type", string(e.Type)).
			Str("operation_id", e.OperationID).
			Str("message", e.Message).
			Msg("event")
	}))

	st, err := store.New(basePath, listener)
	if err != nil {
		return fmt.Errorf("failed to initialize file store at %s: %w", basePath, err)
	}

	engine := ledger.NewLocalEngine(st, listener)
	server := api.NewServer(engine, basePath, port)

	gaugeCtx, stopGauge := context.WithCancel(context.Background())
	defer stopGauge()
	go runActiveOperationsGauge(gaugeCtx, st)

	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("ledger server listening on %s (store: %s)", addr, basePath))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("ledger server failed: %w", err)
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received %s, shutting down", sig))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("ledger server stopped")
	return nil
}

// runActiveOperationsGauge periodically recomputes dpl_operations_active
// from the File Store's file listing, the way pkg/worker/health_monitor.go
// ticks a periodic check for the lifetime of its context.
func runActiveOperationsGauge(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(activeGaugeInterval)
	defer ticker.Stop()

	updateActiveOperationsGauge(st)
	for {
		select {
		case <-ticker.C:
			updateActiveOperationsGauge(st)
		case <-ctx.Done():
			return
		}
	}
}

func updateActiveOperationsGauge(st *store.Store) {
	ids, err := st.ListOperationIDs()
	if err != nil {
		log.Errorf("failed to list operations for gauge: %v", err)
		return
	}
	metrics.OperationsActive.Set(float64(len(ids)))
}
