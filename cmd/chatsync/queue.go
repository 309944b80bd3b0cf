package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/playhub-io/chatsync"
	"github.com/spf13/cobra"
)

var queueChannel string

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDropCmd)
	queueListCmd.Flags().StringVar(&queueChannel, "channel", "", "only show one conversation")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openStore()
		if err != nil {
			return err
		}
		defer rt.Close()

		var entries []chatsync.QueueEntry
		if queueChannel != "" {
			entries = rt.store.ListFor(queueChannel)
		} else {
			entries = rt.store.List()
		}
		if len(entries) == 0 {
			fmt.Println("Offline queue is empty.")
			return nil
		}

		now := time.Now()
		fmt.Printf("%-32s  %-20s  %-10s  %-16s  %s\n", "TEMP ID", "CHANNEL", "TYPE", "QUEUED", "CONTENT")
		for _, e := range entries {
			content := e.Content
			if content == "" {
				content = e.MediaURL
			}
			if len(content) > 40 {
				content = content[:37] + "..."
			}
			fmt.Printf("%-32s  %-20s  %-10s  %-16s  %s\n",
				e.TempID, e.ChannelID, e.Type, humanize.RelTime(e.CreatedAt, now, "ago", "from now"), content)
		}
		fmt.Printf("\n%s message(s) queued\n", humanize.Comma(int64(len(entries))))
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <temp-id>",
	Short: "Abandon a queued message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.engine.Drop(args[0]); err != nil {
			return err
		}
		fmt.Printf("Dropped %s\n", args[0])
		return nil
	},
}
