package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserName string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserName, "name", "", "display name sent with typing signals")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <user-id> <token>",
	Short: "Store backend and credentials in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Auth.UserID = args[1]
		cfg.Auth.Token = args[2]
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
