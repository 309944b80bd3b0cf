package main

import (
	"fmt"
	"os"
	"time"

	"github.com/playhub-io/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync config set default.base_url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

// afterSet derives the fields that follow from a newly set value.
var afterSet = map[string]func(cfg *Config, value string) error{
	"default.base_url": func(cfg *Config, _ string) error {
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		return nil
	},
	"auth.session_token": func(cfg *Config, token string) error {
		s, err := chatsync.ParseSession(token)
		if err != nil {
			return err
		}
		cfg.Auth.UserID = s.UserID
		cfg.Auth.Username = s.Username
		cfg.Auth.TokenExpires = ""
		if !s.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = s.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"  chatsync config set default.base_url https://game.example.com\n" +
		"  chatsync config set auth.session_token eyJhbGciOi...\n" +
		"Setting auth.session_token also records the user and expiry it carries.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if hook, ok := afterSet[key]; ok {
			if err := hook(cfg, value); err != nil {
				return err
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Set %s in %s\n", key, path)
		return nil
	},
}
