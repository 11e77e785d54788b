package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizdash/bizsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and sync queued changes whenever the server is reachable",
	Long: "Hold a connection to the server's /ws endpoint. Each time it comes up, queued changes are\n" +
		"replayed after the configured reconcile debounce. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("watch needs the network, drop --offline")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		fmt.Printf("Watching %s, press Ctrl+C to stop\n", cfg.Default.BaseURL)
		watch(ctx, ws, cfg.Default.BaseURL, cfg.Default.Token)
		return nil
	},
}

// watch hands connectivity to a websocket watcher and lets the reconciler
// drain the outbox on every reconnect. It returns when ctx is done.
func watch(ctx context.Context, ws *bizsync.Workspace, baseURL, token string) {
	// The socket decides connectivity from here on.
	ws.Monitor.SetOnline(false)
	unsubscribe := ws.Monitor.Subscribe(func(ev bizsync.NetworkEvent) {
		fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), ev)
	})
	defer unsubscribe()
	ws.Reconciler.On(bizsync.EventSyncComplete, func(_ string, payload any) {
		rep := payload.(*bizsync.Report)
		fmt.Printf("%s synced %d, failed %d\n", time.Now().Format(time.TimeOnly), rep.Synced, rep.Failed)
	})
	printRecordEvents(ws.Reconciler)

	watcher := bizsync.NewConnectivityWatcher(baseURL, ws.Monitor, &bizsync.ConnectivityConfig{
		Token:  token,
		Logger: newLogger(),
	})
	ws.Init()
	watcher.Start(ctx)
	defer watcher.Stop()

	<-ctx.Done()
}
