package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultGatewayTimeout   = 30 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
)

// ============================================================================
// HTTPGateway
// ============================================================================

// HTTPGateway is a Gateway over a JSON REST API and a WebSocket push channel.
type HTTPGateway struct {
	baseURL          string
	httpClient       *http.Client
	log              *zap.Logger
	breaker          *gobreaker.CircuitBreaker
	breakerSettings  gobreaker.Settings
	subscribeTimeout time.Duration

	mu    sync.RWMutex
	token string
}

// GatewayOption configures an HTTPGateway.
type GatewayOption func(*HTTPGateway)

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) { g.httpClient = client }
}

func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *HTTPGateway) { g.httpClient.Timeout = timeout }
}

func WithGatewayLogger(log *zap.Logger) GatewayOption {
	return func(g *HTTPGateway) { g.log = log }
}

// WithBreakerSettings replaces the circuit breaker guarding writes.
func WithBreakerSettings(st gobreaker.Settings) GatewayOption {
	return func(g *HTTPGateway) { g.breakerSettings = st }
}

func WithSubscribeTimeout(d time.Duration) GatewayOption {
	return func(g *HTTPGateway) { g.subscribeTimeout = d }
}

// NewHTTPGateway creates a gateway for baseURL authenticated with token.
func NewHTTPGateway(baseURL, token string, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:          strings.TrimRight(baseURL, "/"),
		token:            token,
		httpClient:       &http.Client{Timeout: DefaultGatewayTimeout},
		log:              zap.NewNop(),
		subscribeTimeout: DefaultSubscribeTimeout,
		breakerSettings: gobreaker.Settings{
			Name:        "chatsync-writes",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("gateway")

	st := g.breakerSettings
	if st.IsSuccessful == nil {
		st.IsSuccessful = breakerSuccess
	}
	if st.OnStateChange == nil {
		log := g.log
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		}
	}
	g.breaker = gobreaker.NewCircuitBreaker(st)
	return g
}

// breakerSuccess counts only network failures and retryable statuses
// against the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// SetToken replaces the bearer token for later requests and channels.
func (g *HTTPGateway) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

func (g *HTTPGateway) bearer() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

func (g *HTTPGateway) FetchConversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := g.doRequest(ctx, http.MethodGet, "/api/chats", nil, url.Values{"userId": {userID}})
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](data)
}

func (g *HTTPGateway) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := g.doRequest(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](data)
}

func (g *HTTPGateway) InsertMessage(ctx context.Context, req InsertRequest) (*Message, error) {
	data, err := g.write(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(req.ConversationID)+"/messages", req)
	if err != nil {
		return nil, err
	}
	m, err := decodeData[Message](data)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *HTTPGateway) UpdateMessageStatus(ctx context.Context, messageID string, upd StatusUpdate) error {
	_, err := g.write(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID)+"/status", upd)
	return err
}

func (g *HTTPGateway) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	_, err := g.write(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/read", markReadBody{ReaderID: readerID})
	return err
}

func (g *HTTPGateway) CreateConversation(ctx context.Context, userID, otherUserID string) (*Conversation, error) {
	data, err := g.write(ctx, http.MethodPost, "/api/chats", createConversationBody{UserID: userID, OtherUserID: otherUserID})
	if err != nil {
		return nil, err
	}
	c, err := decodeData[Conversation](data)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (g *HTTPGateway) write(ctx context.Context, method, path string, body any) ([]byte, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.doRequest(ctx, method, path, body, nil)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil, err
	}
	data, _ := out.([]byte)
	return data, nil
}

func (g *HTTPGateway) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := codec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := g.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er errorResponse
		if codec.Unmarshal(data, &er) == nil && er.Error != nil {
			apiErr.Code = er.Error.Code
			if er.Error.Message != "" {
				apiErr.Message = er.Error.Message
			}
		}
		g.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, apiErr
	}
	return data, nil
}

// ============================================================================
// WebSocket channel
// ============================================================================

// Subscribe dials the push channel of a conversation. The handshake result
// arrives through cb.OnStatus: SubscribeOK on the server's subscribed frame,
// SubscribeTimedOut if none arrives in time.
func (g *HTTPGateway) Subscribe(ctx context.Context, conversationID string, filter ChannelFilter, cb ChannelCallbacks) (Channel, error) {
	wsURL := strings.Replace(g.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{"conversationId": {conversationID}}
	if filter.UserID != "" {
		q.Set("userId", filter.UserID)
	}
	if token := g.bearer(); token != "" {
		q.Set("token", token)
	}
	wsURL += "/realtime?" + q.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, g.subscribeTimeout)
	defer cancelDial()
	// The dial deadline comes from dialCtx; a client timeout would also
	// bound the lifetime of the upgraded connection.
	hc := *g.httpClient
	hc.Timeout = 0
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: &hc})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	ch := &wsChannel{
		conversationID: conversationID,
		conn:           conn,
		filter:         filter,
		cb:             cb,
		log:            g.log.With(zap.String("conversation_id", conversationID)),
		cancel:         cancel,
		pendingPings:   make(map[string]chan struct{}),
		gone:           make(chan struct{}),
	}
	ch.handshake = time.AfterFunc(g.subscribeTimeout, func() {
		ch.end(SubscribeTimedOut, fmt.Errorf("no subscribed frame within %s", g.subscribeTimeout))
		_ = ch.closeConn(websocket.StatusGoingAway, "subscribe timeout")
	})
	go ch.readLoop(connCtx)
	return ch, nil
}

type wsChannel struct {
	conversationID string
	conn           *websocket.Conn
	filter         ChannelFilter
	cb             ChannelCallbacks
	log            *zap.Logger
	cancel         context.CancelFunc
	handshake      *time.Timer
	gone           chan struct{}

	mu         sync.Mutex
	subscribed bool
	ended      bool
	closed     bool

	pingCounter  atomic.Uint64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

func (c *wsChannel) Broadcast(ctx context.Context, sig TypingSignal) error {
	return c.send(ctx, Command{Type: cmdTyping, Payload: sig})
}

func (c *wsChannel) Track(ctx context.Context, p PresenceEvent) error {
	return c.send(ctx, Command{Type: cmdPresence, Payload: p})
}

// Ping sends a ping and waits for the matching pong.
func (c *wsChannel) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", c.pingCounter.Add(1))
	done := make(chan struct{})
	c.pendingMu.Lock()
	c.pendingPings[requestID] = done
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, Command{Type: cmdPing, RequestID: requestID}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.gone:
		return errors.New("channel gone")
	case <-ctx.Done():
		return fmt.Errorf("ping %s: %w", requestID, ctx.Err())
	}
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.handshake.Stop()
	c.cancel()
	return c.closeConn(websocket.StatusNormalClosure, "client close")
}

func (c *wsChannel) closeConn(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

func (c *wsChannel) send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("channel closed")
	}
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// end reports the final status of the channel once. Nothing is reported
// after Close.
func (c *wsChannel) end(status SubscribeStatus, err error) {
	c.mu.Lock()
	if c.ended || c.closed {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(status, err)
	}
}

func (c *wsChannel) readLoop(ctx context.Context) {
	defer close(c.gone)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.handshake.Stop()
			c.mu.Lock()
			subscribed := c.subscribed
			c.mu.Unlock()
			status := SubscribeClosed
			if !subscribed {
				status = SubscribeError
			}
			c.end(status, fmt.Errorf("websocket read: %w", err))
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			c.log.Warn("dropped malformed frame", zap.Error(err))
			continue
		}
		c.route(env)
	}
}

func (c *wsChannel) route(env Envelope) {
	switch env.Type {
	case envSubscribed:
		c.handshake.Stop()
		c.mu.Lock()
		first := !c.subscribed && !c.ended && !c.closed
		c.subscribed = true
		c.mu.Unlock()
		if first && c.cb.OnStatus != nil {
			c.cb.OnStatus(SubscribeOK, nil)
		}
		return

	case envPong:
		var p pongPayload
		if codec.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			c.pendingMu.Lock()
			done, ok := c.pendingPings[p.RequestID]
			if ok {
				delete(c.pendingPings, p.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				close(done)
			}
		}
		return

	case envError:
		var p errorPayload
		_ = codec.Unmarshal(env.Payload, &p)
		apiErr := &APIError{Code: p.Code, Message: p.Message}
		c.mu.Lock()
		subscribed := c.subscribed
		c.mu.Unlock()
		if !subscribed {
			c.handshake.Stop()
			c.end(SubscribeError, apiErr)
			return
		}
		c.log.Warn("server error frame", zap.Error(apiErr))
		return
	}

	ev, ok, err := env.event()
	if err != nil {
		c.log.Warn("dropped malformed frame", zap.String("type", env.Type), zap.Error(err))
		return
	}
	if !ok || !c.wants(ev.Kind) || c.cb.OnEvent == nil {
		return
	}
	c.cb.OnEvent(ev)
}

func (c *wsChannel) wants(kind EventKind) bool {
	switch kind {
	case EventInsert:
		return c.filter.Inserts
	case EventUpdate:
		return c.filter.Updates
	case EventTyping:
		return c.filter.Typing
	case EventPresence:
		return c.filter.Presence
	}
	return true
}
