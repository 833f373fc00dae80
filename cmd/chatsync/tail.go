package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/chatsync"
)

var (
	tailWrite    bool
	tailMarkRead bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVarP(&tailWrite, "write", "w", false, "send every line read from stdin")
	tailCmd.Flags().BoolVar(&tailMarkRead, "read", false, "mark incoming messages read as they arrive")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Print new messages, status changes, typing and connection changes of a conversation until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		s := e.session()
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conversationID := args[0]
		p := &tailPrinter{self: e.cfg.Auth.UserID, seen: make(map[string]chatsync.MessageStatus)}
		marks := make(chan struct{}, 1)
		remove := s.OnChange(func(c chatsync.Change) {
			if c.ConversationID != "" && c.ConversationID != conversationID {
				return
			}
			switch c.Kind {
			case chatsync.ChangeMessages:
				if p.messages(s.Messages(conversationID)) && tailMarkRead {
					select {
					case marks <- struct{}{}:
					default:
					}
				}
			case chatsync.ChangeTyping:
				p.typing(s.TypingUsers(conversationID))
			case chatsync.ChangeConnection:
				info := s.ConnectionState(conversationID)
				fmt.Fprintf(os.Stderr, "-- %s (attempt %d)\n", info.State, info.Attempt)
			case chatsync.ChangeError:
				fmt.Fprintf(os.Stderr, "-- error: %v\n", c.Err)
			}
		})
		defer remove()

		if err := s.OpenChat(ctx, conversationID); err != nil {
			return err
		}

		if tailWrite {
			go readLines(ctx, s, conversationID, e.log)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-marks:
				if err := s.MarkRead(ctx, conversationID); err != nil && !errors.Is(err, context.Canceled) {
					e.log.Warn("mark read failed", zap.Error(err))
				}
			}
		}
	},
}

func readLines(ctx context.Context, s *chatsync.Session, conversationID string, log *zap.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		_ = s.SetTyping(ctx, conversationID, true)
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := s.SendMessage(sendCtx, conversationID, line)
		cancel()
		if err != nil {
			log.Warn("send failed", zap.Error(err))
		}
	}
}

// tailPrinter prints each entry once and again whenever its status moves.
type tailPrinter struct {
	self string

	mu         sync.Mutex
	seen       map[string]chatsync.MessageStatus
	lastTyping string
}

// messages reports whether an unread incoming message was printed.
func (p *tailPrinter) messages(entries []chatsync.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	incoming := false
	for _, e := range entries {
		prev, ok := p.seen[e.ID]
		if ok && prev == e.Status {
			continue
		}
		p.seen[e.ID] = e.Status
		who := e.SenderID
		if who == p.self {
			who = "me"
		} else if e.Status != chatsync.StatusRead {
			incoming = true
		}
		if ok {
			fmt.Printf("   %s -> %s\n", e.ID, statusLabel(e))
			continue
		}
		fmt.Printf("%s  %-12s  %s  (%s)\n", e.CreatedAt.Local().Format(time.TimeOnly), who, e.Content, statusLabel(e))
	}
	return incoming
}

func (p *tailPrinter) typing(users []chatsync.TypingSignal) {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, valueOrDefault(u.UserName, u.UserID))
	}
	line := strings.Join(names, ", ")

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.lastTyping {
		return
	}
	p.lastTyping = line
	if line == "" {
		fmt.Fprintln(os.Stderr, "-- nobody typing")
		return
	}
	fmt.Fprintf(os.Stderr, "-- %s typing...\n", line)
}
