package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizdash/bizsync"
	"github.com/bizdash/bizsync/sqlitestore"
)

// ============================================================================
// Global flags
// ============================================================================

var (
	cfgFile    string
	verbose    bool
	offline    bool
	jsonOutput bool
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "bizsync",
	Short: "Offline-first sync for the business dashboard",
	Long: "Command-line interface for the bizsync data layer.\n" +
		"Read and queue records against a local store, then reconcile them with the server.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bizsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "treat the network as unavailable")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Workspace helpers
// ============================================================================

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openWorkspace builds the data layer from the config file. The returned
// close function flushes local writes and closes the store.
func openWorkspace(ctx context.Context) (*bizsync.Workspace, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no server configured, run 'bizsync init <base-url>' first")
	}
	opts, err := cfg.Sync.options()
	if err != nil {
		return nil, nil, err
	}

	storePath := cfg.Default.StorePath
	if storePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, nil, err
		}
		storePath = filepath.Join(dir, "store.db")
	}
	store, err := sqlitestore.Open(storePath)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger()
	client := bizsync.NewClient(cfg.Default.BaseURL,
		bizsync.WithToken(cfg.Default.Token),
		bizsync.WithRetryPolicy(opts.retry),
		bizsync.WithClientLogger(logger),
		bizsync.WithUnauthorizedHandler(func() {
			fmt.Fprintln(os.Stderr, "Server rejected the token. Run 'bizsync config set default.token <token>'.")
		}),
	)
	monitor := bizsync.NewNetworkMonitor(!offline)

	ws, err := bizsync.NewWorkspace(ctx, client, store, monitor,
		bizsync.WithTTL(opts.ttl),
		bizsync.WithReconcileDebounce(opts.debounce),
		bizsync.WithLogger(logger),
	)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := ws.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to flush local store: %v\n", err)
		}
		store.Close()
	}
	return ws, closeFn, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}
