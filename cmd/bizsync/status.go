package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queued changes and the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := commandContext()
		defer cancel()

		ws, closeWS, err := openWorkspace(ctx)
		if err != nil {
			return err
		}
		defer closeWS()

		st, err := ws.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		if jsonOutput {
			return printJSON(st)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Default.StorePath, "~/.bizsync/store.db"))

		fmt.Println()
		fmt.Println("Queue:")
		kinds := make([]string, 0, len(st.Pending))
		for k := range st.Pending {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-17s %d pending\n", k+":", st.Pending[k])
		}

		fmt.Println()
		fmt.Println("Last sync:")
		if st.LastSync == nil {
			fmt.Println("  (never)")
			return nil
		}
		fmt.Printf("  Finished:    %s\n", st.LastSync.LastRun.Format(time.RFC3339))
		fmt.Printf("  Synced:      %d\n", st.LastSync.Synced)
		fmt.Printf("  Failed:      %d\n", st.LastSync.Failed)
		for _, e := range st.LastSync.LastErrors {
			fmt.Printf("  - %s\n", e)
		}
		return nil
	},
}
