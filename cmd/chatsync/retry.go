package main

import (
	"context"
	"fmt"
	"time"

	"github.com/playhub-io/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(retryCmd)
}

var retryCmd = &cobra.Command{
	Use:   "retry <channel-id>",
	Short: "Resend a conversation's queued messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(chatsync.WithHistoryLimit(0))
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		pending := len(rt.store.ListFor(args[0]))
		if pending == 0 {
			fmt.Println("Nothing queued for this conversation.")
			return nil
		}

		sum, err := rt.engine.RetryAll(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Sent %d, failed %d, rejected %d, skipped %d (of %d queued)\n", sum.Sent, sum.Failed, sum.Rejected, sum.Skipped, pending)
		return nil
	},
}
