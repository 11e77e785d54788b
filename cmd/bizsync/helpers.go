package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bizdash/bizsync"
)

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

// syncMark renders a record's sync state as a short column.
func syncMark(m bizsync.Meta) string {
	if !m.Sync.IsPending() {
		return "synced"
	}
	if m.Sync.Attempts > 0 {
		return fmt.Sprintf("%s (%d attempts)", m.Sync.Status, m.Sync.Attempts)
	}
	return string(m.Sync.Status)
}

// warnStale reports a read that fell back to local data.
func warnStale(src bizsync.Source, stale bool, err error) {
	if err == nil {
		return
	}
	if stale {
		fmt.Fprintf(os.Stderr, "Warning: showing %s data, server unavailable: %v\n", src, err)
		return
	}
	fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
}

// reportMutation prints the outcome of a write.
func reportMutation(id string, deferred bool, message string) {
	if deferred {
		fmt.Printf("Queued %s: %s\n", id, message)
		return
	}
	fmt.Printf("Saved %s\n", id)
}

// printRecordEvents reports each replayed record as the reconciler goes.
func printRecordEvents(r *bizsync.Reconciler) {
	r.On(bizsync.EventRecordSynced, func(_ string, payload any) {
		ev := payload.(bizsync.RecordEvent)
		if ev.ServerID != "" {
			fmt.Printf("  synced %s %s -> %s\n", ev.Kind, ev.ID, ev.ServerID)
		} else {
			fmt.Printf("  synced %s %s\n", ev.Kind, ev.ID)
		}
	})
	r.On(bizsync.EventRecordFailed, func(_ string, payload any) {
		ev := payload.(bizsync.RecordEvent)
		fmt.Printf("  failed %s %s: %s\n", ev.Kind, ev.ID, ev.Error)
	})
}
