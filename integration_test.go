//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Prismer-AI/chatsync"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func newGateway(t *testing.T) *chatsync.HTTPGateway {
	t.Helper()
	return chatsync.NewHTTPGateway(
		env(t, "CHATSYNC_BASE_URL_TEST"),
		env(t, "CHATSYNC_TOKEN_TEST"),
		chatsync.WithGatewayLogger(zaptest.NewLogger(t)),
	)
}

func newSession(t *testing.T) *chatsync.Session {
	t.Helper()
	s := chatsync.NewSession(newGateway(t), env(t, "CHATSYNC_USER_TEST"), "integration", &chatsync.Options{
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// =======================================================================
// Group 1: REST gateway
// =======================================================================

func TestIntegration_Gateway_Conversations(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := g.FetchConversations(ctx, env(t, "CHATSYNC_USER_TEST"))
	if err != nil {
		t.Fatalf("FetchConversations returned error: %v", err)
	}
	t.Logf("conversations=%d", len(list))
	for _, c := range list {
		if c.ID == "" {
			t.Error("conversation without id")
		}
	}
}

// =======================================================================
// Group 2: Session lifecycle
// =======================================================================

func TestIntegration_Session_FullLifecycle(t *testing.T) {
	s := newSession(t)
	peer := env(t, "CHATSYNC_PEER_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conv, err := s.StartConversation(ctx, peer)
	if err != nil {
		t.Fatalf("StartConversation error: %v", err)
	}
	t.Logf("conversation id=%s", conv.ID)

	if err := s.OpenChat(ctx, conv.ID); err != nil {
		t.Fatalf("OpenChat error: %v", err)
	}
	if !waitFor(t, 15*time.Second, func() bool {
		return s.ConnectionState(conv.ID).State == chatsync.StateSubscribed
	}) {
		t.Fatalf("channel not subscribed: %+v", s.ConnectionState(conv.ID))
	}

	content := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	corr, err := s.SendMessage(ctx, conv.ID, content)
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	var rows int
	waitFor(t, 10*time.Second, func() bool {
		rows = 0
		for _, e := range s.Messages(conv.ID) {
			if e.Content == content && !e.Optimistic {
				rows++
			}
		}
		return rows == 1
	})
	if rows != 1 {
		t.Errorf("expected exactly one committed row for %s, got %d", corr, rows)
	}

	if err := s.SetTyping(ctx, conv.ID, true); err != nil {
		t.Errorf("SetTyping error: %v", err)
	}
	if err := s.MarkRead(ctx, conv.ID); err != nil {
		t.Errorf("MarkRead error: %v", err)
	}

	s.CloseChat(conv.ID)
	if s.IsOpen(conv.ID) {
		t.Error("conversation still open after CloseChat")
	}
}
