package chatsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// REST
// ============================================================================

func TestGatewayInsertMessage(t *testing.T) {
	var (
		gotAuth string
		gotBody InsertRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chats/c1/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = codec.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"id":"m1","conversationId":"c1","senderId":%q,"content":%q,"type":"text","createdAt":"2026-01-01T00:00:00Z","isDelivered":false,"isRead":false,"correlationId":%q}}`,
			gotBody.SenderID, gotBody.Content, gotBody.CorrelationID)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "tok-1")
	m, err := g.InsertMessage(context.Background(), InsertRequest{
		ConversationID: "c1", SenderID: "alice", Content: "Hi", Type: MessageText, CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "corr-1", gotBody.CorrelationID)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "corr-1", m.CorrelationID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), m.CreatedAt.UTC())
}

func TestGatewaySetTokenConcurrent(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")]++
		mu.Unlock()
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "tok-0")
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			g.SetToken(fmt.Sprintf("tok-%d", i))
		}(i)
		go func() {
			defer wg.Done()
			_, err := g.FetchConversations(context.Background(), "alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	g.SetToken("tok-final")
	_, err := g.FetchConversations(context.Background(), "alice")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["Bearer tok-final"])
	total := 0
	for _, n := range seen {
		total += n
	}
	assert.Equal(t, 5, total)
}

func TestGatewayFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chats":
			assert.Equal(t, "alice", r.URL.Query().Get("userId"))
			fmt.Fprint(w, `{"data":[{"id":"c1","participantIds":["alice","bob"],"isActive":true}]}`)
		case "/api/chats/c1/messages":
			fmt.Fprint(w, `{"data":[{"id":"m1","conversationId":"c1","senderId":"bob","content":"a"},{"id":"m2","conversationId":"c1","senderId":"alice","content":"b","isRead":true}]}`)
		case "/api/chats/missing/messages":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"NOT_FOUND","message":"no such conversation"}}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL+"/", "")
	ctx := context.Background()

	t.Run("conversations", func(t *testing.T) {
		list, err := g.FetchConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, [2]string{"alice", "bob"}, list[0].ParticipantIDs)
	})

	t.Run("messages", func(t *testing.T) {
		msgs, err := g.FetchMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[1].IsRead)
	})

	t.Run("api error", func(t *testing.T) {
		_, err := g.FetchMessages(ctx, "missing")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "NOT_FOUND", apiErr.Code)
		assert.Equal(t, "no such conversation", apiErr.Message)
		assert.False(t, apiErr.Temporary())
	})
}

func TestGatewayStatusWrites(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies[r.Method+" "+r.URL.Path] = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	g := NewHTTPGateway(srv.URL, "tok")
	ctx := context.Background()

	delivered := true
	require.NoError(t, g.UpdateMessageStatus(ctx, "m1", StatusUpdate{IsDelivered: &delivered}))
	require.NoError(t, g.MarkConversationRead(ctx, "c1", "alice"))

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"isDelivered":true}`, bodies["PATCH /api/messages/m1/status"])
	assert.JSONEq(t, `{"readerId":"alice"}`, bodies["POST /api/chats/c1/read"])
}

func TestGatewayCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createConversationBody
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, codec.Unmarshal(raw, &body))
		fmt.Fprintf(w, `{"data":{"id":"c9","participantIds":[%q,%q],"isActive":true}}`, body.UserID, body.OtherUserID)
	}))
	defer srv.Close()

	c, err := NewHTTPGateway(srv.URL, "").CreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "c9", c.ID)
	assert.True(t, c.Has("bob"))
}

func TestGatewayBreaker(t *testing.T) {
	t.Run("opens after consecutive server failures", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		g := NewHTTPGateway(srv.URL, "")
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := g.InsertMessage(ctx, InsertRequest{ConversationID: "c1", Content: "x"})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.True(t, apiErr.Temporary())
		}
		_, err := g.InsertMessage(ctx, InsertRequest{ConversationID: "c1", Content: "x"})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(5), hits.Load(), "open breaker fails fast")
	})

	t.Run("client errors do not trip", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()
		g := NewHTTPGateway(srv.URL, "")

		for i := 0; i < 8; i++ {
			err := g.MarkConversationRead(context.Background(), "c1", "alice")
			require.Error(t, err)
			assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
		}
		assert.Equal(t, int32(8), hits.Load())
	})
}

// ============================================================================
// WebSocket channel
// ============================================================================

type inboundCommand struct {
	Type      string              `json:"type"`
	Payload   jsoniter.RawMessage `json:"payload"`
	RequestID string              `json:"requestId"`
}

// wsServer is a scripted push endpoint.
type wsServer struct {
	// frames are written right after the upgrade.
	frames []string
	// hangup closes the connection once frames are written.
	hangup bool

	mu       sync.Mutex
	query    url.Values
	commands []inboundCommand
}

func newWSServer(t *testing.T, ws *wsServer) *HTTPGateway {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", ws.handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(srv.URL, "tok", WithSubscribeTimeout(time.Second))
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	s.mu.Lock()
	s.query = r.URL.Query()
	s.mu.Unlock()

	for _, f := range s.frames {
		if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
			return
		}
	}
	if s.hangup {
		conn.Close(websocket.StatusGoingAway, "bye")
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd inboundCommand
		if codec.Unmarshal(data, &cmd) != nil {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if cmd.Type == cmdPing {
			pong := fmt.Sprintf(`{"type":"pong","payload":{"requestId":%q}}`, cmd.RequestID)
			_ = conn.Write(ctx, websocket.MessageText, []byte(pong))
		}
	}
}

func (s *wsServer) received() []inboundCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inboundCommand(nil), s.commands...)
}

type channelSink struct {
	statuses chan SubscribeStatus
	errs     chan error
	events   chan ChannelEvent
}

func newChannelSink() *channelSink {
	return &channelSink{
		statuses: make(chan SubscribeStatus, 8),
		errs:     make(chan error, 8),
		events:   make(chan ChannelEvent, 16),
	}
}

func (s *channelSink) callbacks() ChannelCallbacks {
	return ChannelCallbacks{
		OnEvent: func(ev ChannelEvent) { s.events <- ev },
		OnStatus: func(st SubscribeStatus, err error) {
			s.statuses <- st
			s.errs <- err
		},
	}
}

func (s *channelSink) nextStatus(t *testing.T) (SubscribeStatus, error) {
	t.Helper()
	select {
	case st := <-s.statuses:
		return st, <-s.errs
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe status")
		return "", nil
	}
}

func (s *channelSink) nextEvent(t *testing.T) ChannelEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no channel event")
		return ChannelEvent{}
	}
}

var allEvents = ChannelFilter{UserID: "alice", Inserts: true, Updates: true, Typing: true, Presence: true}

func TestSubscribeHandshakeAndEvents(t *testing.T) {
	ws := &wsServer{frames: []string{
		`{"type":"subscribed","payload":{}}`,
		`{"type":"typing","payload":{"conversationId":"c1","userId":"bob","isTyping":true}}`,
		`not json`,
		`{"type":"insert","payload":{"id":"m1","conversationId":"c1","senderId":"bob","content":"hey"}}`,
		`{"type":"update","payload":{"id":"m1","conversationId":"c1","isDelivered":true}}`,
		`{"type":"subscribed","payload":{}}`,
	}}
	g := newWSServer(t, ws)
	sink := newChannelSink()

	filter := allEvents
	filter.Typing = false
	ch, err := g.Subscribe(context.Background(), "c1", filter, sink.callbacks())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	st, err := sink.nextStatus(t)
	require.Equal(t, SubscribeOK, st)
	require.NoError(t, err)

	ws.mu.Lock()
	assert.Equal(t, "c1", ws.query.Get("conversationId"))
	assert.Equal(t, "alice", ws.query.Get("userId"))
	assert.Equal(t, "tok", ws.query.Get("token"))
	ws.mu.Unlock()

	t.Run("filtered classes and malformed frames are dropped", func(t *testing.T) {
		ev := sink.nextEvent(t)
		assert.Equal(t, EventInsert, ev.Kind)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hey", ev.Message.Content)

		ev = sink.nextEvent(t)
		assert.Equal(t, EventUpdate, ev.Kind)
		assert.True(t, ev.Message.IsDelivered)
	})

	t.Run("subscribed is reported once", func(t *testing.T) {
		select {
		case st := <-sink.statuses:
			t.Fatalf("unexpected status %s", st)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("ping waits for the matching pong", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, ch.Ping(ctx))
		require.NoError(t, ch.Ping(ctx))
	})

	t.Run("typing and presence reach the server", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, ch.Broadcast(ctx, TypingSignal{ConversationID: "c1", UserID: "alice", UserName: "Alice", IsTyping: true}))
		require.NoError(t, ch.Track(ctx, PresenceEvent{ConversationID: "c1", UserID: "alice", Online: true}))

		require.Eventually(t, func() bool { return len(ws.received()) >= 4 }, time.Second, time.Millisecond)
		var typing TypingSignal
		var presence PresenceEvent
		for _, cmd := range ws.received() {
			switch cmd.Type {
			case cmdTyping:
				require.NoError(t, codec.Unmarshal(cmd.Payload, &typing))
			case cmdPresence:
				require.NoError(t, codec.Unmarshal(cmd.Payload, &presence))
			}
		}
		assert.Equal(t, "Alice", typing.UserName)
		assert.True(t, typing.IsTyping)
		assert.True(t, presence.Online)
	})

	t.Run("close is silent and idempotent", func(t *testing.T) {
		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())
		assert.Error(t, ch.Broadcast(context.Background(), TypingSignal{}))
		select {
		case st := <-sink.statuses:
			t.Fatalf("status %s after close", st)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestSubscribeTimedOut(t *testing.T) {
	ws := &wsServer{}
	g := newWSServer(t, ws)
	g.subscribeTimeout = 50 * time.Millisecond
	sink := newChannelSink()

	start := time.Now()
	ch, err := g.Subscribe(context.Background(), "c1", allEvents, sink.callbacks())
	require.NoError(t, err)
	defer ch.Close()

	st, err := sink.nextStatus(t)
	assert.Equal(t, SubscribeTimedOut, st)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	select {
	case st := <-sink.statuses:
		t.Fatalf("second status %s", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeServerError(t *testing.T) {
	ws := &wsServer{frames: []string{`{"type":"error","payload":{"code":"FORBIDDEN","message":"not a participant"}}`}}
	g := newWSServer(t, ws)
	sink := newChannelSink()

	ch, err := g.Subscribe(context.Background(), "c1", allEvents, sink.callbacks())
	require.NoError(t, err)
	defer ch.Close()

	st, err := sink.nextStatus(t)
	assert.Equal(t, SubscribeError, st)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestSubscribeServerHangup(t *testing.T) {
	ws := &wsServer{frames: []string{`{"type":"subscribed","payload":{}}`}, hangup: true}
	g := newWSServer(t, ws)
	sink := newChannelSink()

	ch, err := g.Subscribe(context.Background(), "c1", allEvents, sink.callbacks())
	require.NoError(t, err)
	defer ch.Close()

	st, _ := sink.nextStatus(t)
	require.Equal(t, SubscribeOK, st)
	st, err = sink.nextStatus(t)
	assert.Equal(t, SubscribeClosed, st)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, ch.Ping(ctx), "ping fails once the read loop is gone")
}

func TestSubscribeDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "").Subscribe(context.Background(), "c1", allEvents, ChannelCallbacks{})
	assert.Error(t, err)
}

// ============================================================================
// Wire
// ============================================================================

func TestDecodeEnvelope(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err, "type is required")
	_, err = decodeEnvelope([]byte(`{`))
	assert.Error(t, err)

	env, err := decodeEnvelope([]byte(`{"type":"reaction","payload":{}}`))
	require.NoError(t, err)
	ev, ok, err := env.event()
	require.NoError(t, err)
	assert.True(t, ok, "unknown data types surface to the subscription")
	assert.Equal(t, EventKind("reaction"), ev.Kind)

	env, _ = decodeEnvelope([]byte(`{"type":"insert","payload":"oops"}`))
	_, _, err = env.event()
	assert.Error(t, err)

	env, _ = decodeEnvelope([]byte(`{"type":"pong","payload":{"requestId":"ping-1"}}`))
	_, ok, err = env.event()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeCommand(t *testing.T) {
	data, err := encodeCommand(Command{Type: cmdPing, RequestID: "ping-7"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","requestId":"ping-7"}`, string(data))

	_, err = encodeCommand(Command{Type: cmdTyping, Payload: func() {}})
	assert.Error(t, err)
}
