package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "show at most the last n messages (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := e.gateway.FetchMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(e.cfg.Auth.UserID, m)
		}
		return nil
	},
}

func printMessage(self string, m chatsync.Message) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	body := m.Content
	if m.Type == chatsync.MessageImage {
		body = fmt.Sprintf("[image %s] %s", m.MediaURL, m.Content)
	}
	fmt.Printf("%s  %-12s  %s  (%s)\n", m.CreatedAt.Local().Format(time.DateTime), who, body, chatsync.StatusOf(m))
}
