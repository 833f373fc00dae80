package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testOptions scales every timing constant down to milliseconds.
func testOptions() *Options {
	return &Options{
		ReconnectBaseDelay:    10 * time.Millisecond,
		ReconnectMaxDelay:     time.Second,
		HeartbeatInterval:     time.Hour,
		TypingSendTimeout:     40 * time.Millisecond,
		TypingReceiveTimeout:  60 * time.Millisecond,
		TypingRefreshInterval: 10 * time.Millisecond,
		DeliveryDebounce:      20 * time.Millisecond,
		DeliveryMaxWait:       80 * time.Millisecond,
	}
}

func defaulted(o *Options) *Options {
	o.defaults()
	return o
}

type statusWrite struct {
	messageID string
	update    StatusUpdate
}

// subscribeSilent scripts a Subscribe whose handshake never reports.
const subscribeSilent SubscribeStatus = "silent"

// fakeGateway is a scripted in-memory Gateway.
type fakeGateway struct {
	mu sync.Mutex

	conversations []Conversation
	history       map[string][]Message
	historyErr    error

	insertErr error
	inserts   []InsertRequest
	nextID    int
	// echo pushes every committed insert on the conversation's channel.
	echo bool

	statusErr    error
	statusWrites []statusWrite
	readErr      error
	reads        []string

	createDelay time.Duration
	creates     int

	// script holds the handshake result of successive Subscribe calls;
	// once exhausted every call subscribes.
	script     []SubscribeStatus
	subscribes []time.Time
	channels   map[string][]*fakeChannel
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		history:  make(map[string][]Message),
		channels: make(map[string][]*fakeChannel),
	}
}

func (g *fakeGateway) FetchConversations(ctx context.Context, userID string) ([]Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Conversation(nil), g.conversations...), nil
}

func (g *fakeGateway) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	return append([]Message(nil), g.history[conversationID]...), nil
}

func (g *fakeGateway) InsertMessage(ctx context.Context, req InsertRequest) (*Message, error) {
	g.mu.Lock()
	g.inserts = append(g.inserts, req)
	if g.insertErr != nil {
		err := g.insertErr
		g.mu.Unlock()
		return nil, err
	}
	g.nextID++
	m := &Message{
		ID:             fmt.Sprintf("srv-%d", g.nextID),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		CreatedAt:      time.Now(),
		CorrelationID:  req.CorrelationID,
	}
	echo := g.echo
	g.mu.Unlock()

	if echo {
		if ch := g.lastChannel(req.ConversationID); ch != nil {
			ch.push(ChannelEvent{Kind: EventInsert, Message: m})
		}
	}
	return m, nil
}

func (g *fakeGateway) UpdateMessageStatus(ctx context.Context, messageID string, upd StatusUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return g.statusErr
	}
	g.statusWrites = append(g.statusWrites, statusWrite{messageID, upd})
	return nil
}

func (g *fakeGateway) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return g.readErr
	}
	g.reads = append(g.reads, conversationID+"/"+readerID)
	return nil
}

func (g *fakeGateway) CreateConversation(ctx context.Context, userID, otherUserID string) (*Conversation, error) {
	g.mu.Lock()
	g.creates++
	n := g.creates
	delay := g.createDelay
	g.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Conversation{
		ID:             fmt.Sprintf("conv-new-%d", n),
		ParticipantIDs: [2]string{userID, otherUserID},
		IsActive:       true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}, nil
}

func (g *fakeGateway) Subscribe(ctx context.Context, conversationID string, filter ChannelFilter, cb ChannelCallbacks) (Channel, error) {
	g.mu.Lock()
	status := SubscribeOK
	if len(g.script) > 0 {
		status = g.script[0]
		g.script = g.script[1:]
	}
	g.subscribes = append(g.subscribes, time.Now())
	ch := &fakeChannel{conversationID: conversationID, filter: filter, cb: cb}
	g.channels[conversationID] = append(g.channels[conversationID], ch)
	g.mu.Unlock()

	if status == subscribeSilent {
		return ch, nil
	}
	go func() {
		var err error
		if status != SubscribeOK {
			err = errors.New("scripted " + string(status))
		}
		ch.status(status, err)
	}()
	return ch, nil
}

func (g *fakeGateway) lastChannel(conversationID string) *fakeChannel {
	g.mu.Lock()
	defer g.mu.Unlock()
	chs := g.channels[conversationID]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

func (g *fakeGateway) subscribeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribes)
}

func (g *fakeGateway) subscribeTimes() []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Time(nil), g.subscribes...)
}

func (g *fakeGateway) insertCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inserts)
}

func (g *fakeGateway) writes() []statusWrite {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]statusWrite(nil), g.statusWrites...)
}

func (g *fakeGateway) setInsertErr(err error) {
	g.mu.Lock()
	g.insertErr = err
	g.mu.Unlock()
}

// fakeChannel records outbound traffic and lets tests push events.
type fakeChannel struct {
	conversationID string
	filter         ChannelFilter
	cb             ChannelCallbacks

	mu        sync.Mutex
	closed    bool
	typing    []TypingSignal
	presence  []PresenceEvent
	pings     int
	pingErr   error
	broadcast error
}

func (c *fakeChannel) Broadcast(ctx context.Context, sig TypingSignal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcast != nil {
		return c.broadcast
	}
	c.typing = append(c.typing, sig)
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, p PresenceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = append(c.presence, p)
	return nil
}

func (c *fakeChannel) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentTyping() []TypingSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TypingSignal(nil), c.typing...)
}

func (c *fakeChannel) tracked() []PresenceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PresenceEvent(nil), c.presence...)
}

// push delivers an event the way a transport would, from its own goroutine.
func (c *fakeChannel) push(ev ChannelEvent) {
	c.cb.OnEvent(ev)
}

func (c *fakeChannel) status(s SubscribeStatus, err error) {
	c.cb.OnStatus(s, err)
}

func waitChannel(t *testing.T, g *fakeGateway, conversationID string, n int) *fakeChannel {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.channels[conversationID]) >= n
	}, time.Second, time.Millisecond)
	return g.lastChannel(conversationID)
}

// recorder collects handler invocations.
type recorder struct {
	mu        sync.Mutex
	messages  []Message
	updates   []Message
	typing    []TypingSignal
	presence  []PresenceEvent
	connected []bool
	errs      []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(m Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnMessageStatusUpdate: func(m Message) {
			r.mu.Lock()
			r.updates = append(r.updates, m)
			r.mu.Unlock()
		},
		OnTyping: func(s TypingSignal) {
			r.mu.Lock()
			r.typing = append(r.typing, s)
			r.mu.Unlock()
		},
		OnPresence: func(p PresenceEvent) {
			r.mu.Lock()
			r.presence = append(r.presence, p)
			r.mu.Unlock()
		},
		OnConnectionChange: func(c bool) {
			r.mu.Lock()
			r.connected = append(r.connected, c)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) connections() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connected...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages) + len(r.updates) + len(r.typing) + len(r.presence) + len(r.connected) + len(r.errs)
}
