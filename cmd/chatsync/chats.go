package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var chatsUnread bool

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsStartCmd)
	chatsCmd.Flags().BoolVar(&chatsUnread, "unread", false, "only conversations with unread messages")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		s := e.session()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := s.LoadConversations(ctx)
		if err != nil {
			return err
		}

		// Unread counters are derived from message history.
		if chatsUnread {
			for _, c := range list {
				if err := s.OpenChat(ctx, c.ID); err != nil {
					return err
				}
			}
			list = s.Conversations()
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			line := fmt.Sprintf("%-36s  %-20s  %s", c.ID, valueOrDefault(c.OtherUserName, c.OtherUserID), c.UpdatedAt.Local().Format(time.DateTime))
			if c.UnreadCount > 0 {
				line += fmt.Sprintf("  (%d unread)", c.UnreadCount)
			}
			if c.LastMessage != "" {
				line += "\n    " + c.LastMessage
			}
			fmt.Println(line)
		}
		return nil
	},
}

var chatsStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Find or create the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		s := e.session()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := s.LoadConversations(ctx); err != nil {
			return err
		}
		c, err := s.StartConversation(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(c)
		}
		fmt.Println(c.ID)
		return nil
	},
}
