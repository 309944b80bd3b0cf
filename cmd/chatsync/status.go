package main

import (
	"fmt"
	"time"

	"github.com/playhub-io/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and offline queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		dir, _ := dataDir(cfg)
		fmt.Printf("  Data dir:    %s\n", dir)

		fmt.Println()
		fmt.Println("Session:")
		tokenStatus := "none"
		if cfg.Auth.SessionToken != "" {
			s, err := chatsync.ParseSession(cfg.Auth.SessionToken)
			switch {
			case err != nil:
				tokenStatus = fmt.Sprintf("invalid (%v)", err)
			case s.ExpiresAt.IsZero():
				tokenStatus = "present (no expiry set)"
			case s.Expired(time.Now()):
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", s.ExpiresAt.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("valid (expires %s)", s.ExpiresAt.Format(time.RFC3339))
			}
			if err == nil {
				fmt.Printf("  Username:    %s\n", valueOrDefault(s.Username, "(unknown)"))
				fmt.Printf("  User ID:     %s\n", s.UserID)
			}
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.SessionToken))
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)

		rt, err := openStore()
		if err != nil {
			fmt.Println()
			fmt.Printf("Offline queue: unavailable (%v)\n", err)
			return nil
		}
		defer rt.Close()

		entries := rt.store.List()
		channels := map[string]int{}
		for _, e := range entries {
			channels[e.ChannelID]++
		}
		fmt.Println()
		fmt.Printf("Offline queue: %d message(s) in %d conversation(s)\n", len(entries), len(channels))
		if wm := rt.store.Watermark(); !wm.IsZero() {
			fmt.Printf("Last status sync: %s\n", wm.Format(time.RFC3339))
		}
		return nil
	},
}
