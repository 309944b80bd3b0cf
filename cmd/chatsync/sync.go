package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch message statuses changed since the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		start := time.Now()
		since := rt.store.Watermark()
		updates, err := rt.client.SyncAllMessageStatus(ctx, since)
		if err != nil {
			return err
		}
		if err := rt.store.SetWatermark(start); err != nil {
			return err
		}
		for _, u := range updates {
			fmt.Printf("%-36s  %s\n", u.MessageID, u.Status)
		}
		fmt.Printf("%d status update(s) since %s\n", len(updates), valueOrDefault(formatTime(since), "the beginning"))
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
