package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes against the server",
	Long:  "Run one reconciliation pass. Records that fail stay queued and are retried on the next pass.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		if !jsonOutput {
			printRecordEvents(ws.Reconciler)
		}

		rep := ws.Sync(ctx)
		if jsonOutput {
			return printJSON(rep)
		}
		if rep.Skipped {
			fmt.Println("Sync skipped: offline or another pass is running.")
			return nil
		}
		fmt.Printf("Synced %d, failed %d (%s)\n", rep.Synced, rep.Failed, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
		return nil
	},
}
