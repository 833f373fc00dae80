package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	sendImage       string
	sendCorrelation string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendImage, "image", "", "send an image message with this media URL")
	sendCmd.Flags().StringVar(&sendCorrelation, "correlation-id", "", "reuse a correlation id to make the send idempotent")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		s := e.session()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversationID := args[0]
		if err := s.OpenChat(ctx, conversationID); err != nil {
			return err
		}

		req := chatsync.SendRequest{
			ConversationID: conversationID,
			Content:        strings.Join(args[1:], " "),
			Type:           chatsync.MessageText,
			CorrelationID:  sendCorrelation,
		}
		if sendImage != "" {
			req.Type = chatsync.MessageImage
			req.MediaURL = sendImage
		}

		corr, err := s.Send(ctx, req)
		if err != nil {
			if corr != "" {
				return fmt.Errorf("send failed (retry with --correlation-id %s): %w", corr, err)
			}
			return err
		}

		if jsonOutput {
			return printJSON(map[string]string{"correlationId": corr})
		}
		fmt.Printf("Sent (correlation id %s)\n", corr)
		return nil
	},
}
