package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/playhub-io/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendMedia   string
	sendType    string
	sendJSON    bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message to reply to")
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "path of a file to attach")
	sendCmd.Flags().StringVar(&sendType, "type", "", "message type (image, video, audio, document)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "print the resulting message as JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> [text]",
	Short: "Send a message",
	Long:  "Send a message to a conversation. When the server cannot be reached the message is queued for 'chatsync retry'.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(chatsync.WithHistoryLimit(0))
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		conv, err := rt.engine.Open(ctx, args[0])
		if err != nil {
			return err
		}
		defer conv.Close()

		req := chatsync.SendRequest{ReplyToID: sendReplyTo, Type: chatsync.MessageType(sendType)}
		if len(args) > 1 {
			req.Content = args[1]
		}

		var msg chatsync.Message
		if sendMedia != "" {
			data, err := os.ReadFile(sendMedia)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", sendMedia, err)
			}
			upload := chatsync.MediaUpload{
				FileName: filepath.Base(sendMedia),
				MimeType: mime.TypeByExtension(filepath.Ext(sendMedia)),
				Data:     data,
			}
			msg, err = conv.SendMedia(ctx, upload, req)
			if err != nil {
				return err
			}
		} else {
			msg, err = conv.Send(ctx, req)
			if err != nil {
				return err
			}
		}

		if sendJSON {
			out, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		switch msg.Status {
		case chatsync.StatusFailed:
			fmt.Printf("Not delivered, queued as %s. Run 'chatsync retry %s' to resend.\n", msg.ID, msg.ChannelID)
		default:
			fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Status)
		}
		return nil
	},
}
