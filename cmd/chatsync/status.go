package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var statusProbe string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusProbe, "probe", "", "open this conversation and report its push channel")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, check that the backend answers, and optionally probe a push channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  User Name: %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Log.Level, "warn"))

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		s := e.session()
		defer s.Close()

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		start := time.Now()
		list, err := s.LoadConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d (%s)\n", len(list), time.Since(start).Round(time.Millisecond))

		if statusProbe == "" {
			return nil
		}
		if err := s.OpenChat(ctx, statusProbe); err != nil {
			fmt.Printf("  Probe error: %v\n", err)
			return nil
		}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for s.ConnectionState(statusProbe).State == chatsync.StateConnecting {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
			}
		}
		info := s.ConnectionState(statusProbe)
		sum := s.Connection()
		fmt.Printf("  Channel:       %s (attempt %d)\n", info.State, info.Attempt)
		fmt.Printf("  Quality:       %s\n", sum.Quality)
		fmt.Printf("  Messages:      %d\n", len(s.Messages(statusProbe)))
		return nil
	},
}
