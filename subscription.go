package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Handlers
// ============================================================================

// Handlers receive the traffic of one conversation. All handlers of a
// conversation are called from that conversation's own goroutine, one at a
// time. A handler may close its own conversation; Close then returns without
// waiting and no further handler of that conversation runs.
type Handlers struct {
	OnMessage             func(Message)
	OnMessageStatusUpdate func(Message)
	OnTyping              func(TypingSignal)
	OnPresence            func(PresenceEvent)
	OnConnectionChange    func(connected bool)
	OnError               func(error)
}

// ============================================================================
// SubscriptionManager
// ============================================================================

// SubscriptionManager owns one push channel per open conversation and keeps
// it alive with bounded exponential backoff.
type SubscriptionManager struct {
	gateway Gateway
	ledger  *Ledger
	opts    *Options
	log     *zap.Logger
	metrics *metrics

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewSubscriptionManager creates a manager. The ledger is consulted for every
// inbound insert before OnMessage fires.
func NewSubscriptionManager(gw Gateway, ledger *Ledger, opts *Options) *SubscriptionManager {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return newSubscriptionManager(gw, ledger, &o, newMetrics(o.Registerer))
}

func newSubscriptionManager(gw Gateway, ledger *Ledger, opts *Options, m *metrics) *SubscriptionManager {
	return &SubscriptionManager{
		gateway: gw,
		ledger:  ledger,
		opts:    opts,
		log:     opts.Logger.Named("subscription"),
		metrics: m,
		subs:    make(map[string]*subscription),
	}
}

// Open starts the push channel for a conversation. The handshake result is
// reported through h.OnConnectionChange.
func (m *SubscriptionManager) Open(conversationID, userID string, h Handlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.subs[conversationID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, conversationID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		m:              m,
		conversationID: conversationID,
		userID:         userID,
		handlers:       h,
		log:            m.log.With(zap.String("conversation_id", conversationID)),
		inbox:          make(chan subMsg, 256),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          StateConnecting,
		recon:          newReconnector(m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay, m.opts.MaxReconnectAttempts),
	}
	m.subs[conversationID] = s
	m.metrics.activeSubscriptions.Inc()

	go s.run()
	return nil
}

// Close tears down a conversation's channel. When Close returns no timer is
// pending and no handler of that conversation will run again.
func (m *SubscriptionManager) Close(conversationID string) {
	m.mu.Lock()
	s := m.subs[conversationID]
	delete(m.subs, conversationID)
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.stop()
	m.ledger.Prune(conversationID)
}

// CloseAll tears down every open channel.
func (m *SubscriptionManager) CloseAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for id, s := range m.subs {
		subs = append(subs, s)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	for _, s := range subs {
		s.stop()
		m.ledger.Prune(s.conversationID)
	}
}

// Shutdown closes every channel and rejects further opens.
func (m *SubscriptionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()
}

// Reconnect resets the reconnect budget of a conversation and re-opens its
// channel unless it is already subscribed.
func (m *SubscriptionManager) Reconnect(conversationID string) error {
	s := m.get(conversationID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}
	s.post(subMsg{kind: msgReconnect})
	return nil
}

// Sweep re-opens every conversation that is not subscribed. It is the
// liveness check run when the host app returns to the foreground.
func (m *SubscriptionManager) Sweep() int {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.info().State != StateSubscribed {
			s.post(subMsg{kind: msgReconnect})
			n++
		}
	}
	return n
}

// Broadcast sends a typing signal on a conversation's channel.
func (m *SubscriptionManager) Broadcast(ctx context.Context, conversationID string, sig TypingSignal) error {
	ch, err := m.channel(conversationID)
	if err != nil {
		return err
	}
	return ch.Broadcast(ctx, sig)
}

// State returns a snapshot of one subscription.
func (m *SubscriptionManager) State(conversationID string) (ConnectionInfo, bool) {
	s := m.get(conversationID)
	if s == nil {
		return ConnectionInfo{ConversationID: conversationID, State: StateDisconnected}, false
	}
	return s.info(), true
}

// Summary aggregates every open subscription into a quality indicator.
func (m *SubscriptionManager) Summary() ConnectionSummary {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	now := m.opts.Now()
	sum := ConnectionSummary{Active: len(subs)}
	stale := 0
	for _, s := range subs {
		info := s.info()
		if info.State != StateSubscribed {
			continue
		}
		sum.Subscribed++
		if info.LastHeartbeat.After(sum.LastHeartbeat) {
			sum.LastHeartbeat = info.LastHeartbeat
		}
		if now.Sub(info.LastHeartbeat) > m.opts.HeartbeatStaleAfter {
			stale++
		}
	}

	switch {
	case sum.Active == 0:
		sum.Quality = QualityIdle
	case sum.Subscribed == 0:
		sum.Quality = QualityOffline
	case sum.Subscribed < sum.Active || stale > 0:
		sum.Quality = QualityDegraded
	default:
		sum.Quality = QualityGood
	}
	return sum
}

func (m *SubscriptionManager) get(conversationID string) *subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[conversationID]
}

func (m *SubscriptionManager) channel(conversationID string) (Channel, error) {
	s := m.get(conversationID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil || s.state != StateSubscribed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, conversationID, s.state)
	}
	return s.channel, nil
}

// ============================================================================
// subscription (one goroutine per conversation)
// ============================================================================

type subMsgKind int

const (
	msgEvent subMsgKind = iota
	msgStatus
	msgHeartbeat
	msgReconnect
)

type subMsg struct {
	kind   subMsgKind
	gen    uint64
	event  ChannelEvent
	status SubscribeStatus
	err    error
}

type subscription struct {
	m              *SubscriptionManager
	conversationID string
	userID         string
	handlers       Handlers
	log            *zap.Logger

	inbox  chan subMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	actor  atomic.Uint64

	mu            sync.Mutex
	state         ConnectionState
	attempt       int
	lastHeartbeat time.Time
	channel       Channel

	// owned by run
	gen       uint64
	recon     *reconnector
	retry     *time.Timer
	handshake *time.Timer
	reported  *bool
	heartbeat bool
}

func (s *subscription) stop() {
	s.cancel()
	if id := s.actor.Load(); id != 0 && id == goroutineID() {
		// Called from one of our own handlers: run unwinds once it returns.
		return
	}
	<-s.done
}

func (s *subscription) post(msg subMsg) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *subscription) info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionInfo{
		ConversationID: s.conversationID,
		State:          s.state,
		Attempt:        s.attempt,
		LastHeartbeat:  s.lastHeartbeat,
	}
}

func (s *subscription) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.attempt = s.recon.attempt
	s.mu.Unlock()
}

func (s *subscription) run() {
	s.actor.Store(goroutineID())
	defer close(s.done)
	defer s.teardown()

	ticker := time.NewTicker(s.m.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.connect()
	for {
		if s.ctx.Err() != nil {
			return
		}
		var retryC <-chan time.Time
		if s.retry != nil {
			retryC = s.retry.C
		}

		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.inbox:
			s.handle(msg)

		case <-retryC:
			s.retry = nil
			s.log.Info("reconnecting", zap.Int("attempt", s.recon.attempt))
			s.connect()

		case <-ticker.C:
			s.ping()
		}
	}
}

func (s *subscription) teardown() {
	s.stopHandshake()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.log.Debug("channel close", zap.Error(err))
		}
	}
	s.m.metrics.activeSubscriptions.Dec()
	s.log.Info("subscription closed")
}

func (s *subscription) connect() {
	s.stopHandshake()
	s.gen++
	gen := s.gen
	s.setState(StateConnecting)

	filter := ChannelFilter{
		UserID:   s.userID,
		Inserts:  true,
		Updates:  true,
		Typing:   true,
		Presence: true,
	}
	cb := ChannelCallbacks{
		OnEvent: func(ev ChannelEvent) {
			s.post(subMsg{kind: msgEvent, gen: gen, event: ev})
		},
		OnStatus: func(status SubscribeStatus, err error) {
			s.post(subMsg{kind: msgStatus, gen: gen, status: status, err: err})
		},
	}

	ch, err := s.m.gateway.Subscribe(s.ctx, s.conversationID, filter, cb)
	if s.ctx.Err() != nil {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	// Gateways that never report a handshake result still end in timed_out.
	timeout := s.m.opts.SubscribeTimeout
	s.handshake = time.AfterFunc(timeout, func() {
		s.post(subMsg{kind: msgStatus, gen: gen, status: SubscribeTimedOut,
			err: fmt.Errorf("no subscribe result within %s", timeout)})
	})
}

func (s *subscription) stopHandshake() {
	if s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
}

func (s *subscription) handle(msg subMsg) {
	switch msg.kind {
	case msgReconnect:
		if s.info().State == StateSubscribed {
			return
		}
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		s.closeChannel()
		s.recon.reset()
		s.connect()
		return
	case msgHeartbeat:
		// Any heartbeat result, stale or not, frees the next ping.
		s.heartbeat = false
	}

	if msg.gen != s.gen {
		return
	}

	switch msg.kind {
	case msgStatus:
		if msg.status == SubscribeOK {
			s.subscribed()
			return
		}
		err := msg.err
		if err == nil {
			err = fmt.Errorf("channel %s", msg.status)
		}
		s.fail(err)

	case msgHeartbeat:
		if msg.err != nil {
			s.log.Warn("heartbeat failed", zap.Error(msg.err))
			s.fail(fmt.Errorf("heartbeat: %w", msg.err))
			return
		}
		s.mu.Lock()
		s.lastHeartbeat = s.m.opts.Now()
		s.mu.Unlock()

	case msgEvent:
		s.dispatch(msg.event)
	}
}

func (s *subscription) subscribed() {
	s.stopHandshake()
	s.recon.reset()
	s.mu.Lock()
	s.state = StateSubscribed
	s.attempt = 0
	s.lastHeartbeat = s.m.opts.Now()
	ch := s.channel
	s.mu.Unlock()

	s.log.Info("channel subscribed")
	s.reportConnection(true)

	if ch != nil {
		beacon := PresenceEvent{
			ConversationID: s.conversationID,
			UserID:         s.userID,
			Online:         true,
			At:             s.m.opts.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			defer cancel()
			if err := ch.Track(ctx, beacon); err != nil && ctx.Err() == nil {
				s.log.Warn("presence beacon failed", zap.Error(err))
			}
		}()
	}
}

func (s *subscription) fail(err error) {
	s.stopHandshake()
	// Nothing the failed channel still delivers is applied.
	s.gen++
	s.closeChannel()
	s.log.Warn("channel failed", zap.Error(err))
	s.reportConnection(false)

	delay, ok := s.recon.next()
	if !ok {
		s.setState(StateDisconnected)
		s.log.Error("reconnect budget exhausted", zap.Int("attempts", s.m.opts.MaxReconnectAttempts))
		s.emitError(newSyncError(KindTerminal, "subscribe", s.conversationID,
			fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.m.opts.MaxReconnectAttempts, err)))
		return
	}

	s.setState(StateDegraded)
	s.m.metrics.reconnectAttempts.Inc()
	s.log.Warn("reconnect scheduled", zap.Int("attempt", s.recon.attempt), zap.Duration("delay", delay))
	s.retry = time.NewTimer(delay)
}

func (s *subscription) closeChannel() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.log.Debug("channel close", zap.Error(err))
		}
	}
}

func (s *subscription) ping() {
	s.mu.Lock()
	ch := s.channel
	subscribed := s.state == StateSubscribed
	s.mu.Unlock()
	if !subscribed || ch == nil || s.heartbeat {
		return
	}

	s.heartbeat = true
	gen := s.gen
	timeout := s.m.opts.HeartbeatInterval
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		err := ch.Ping(ctx)
		if s.ctx.Err() != nil {
			return
		}
		s.post(subMsg{kind: msgHeartbeat, gen: gen, err: err})
	}()
}

func (s *subscription) dispatch(ev ChannelEvent) {
	switch ev.Kind {
	case EventInsert:
		msg, err := s.validMessage(ev.Message)
		if err != nil {
			s.protocolError("insert", err)
			return
		}
		if !s.m.ledger.SeenOrMark(LedgerKey{ConversationID: msg.ConversationID, MessageID: msg.ID}) {
			s.m.metrics.duplicateEvents.Inc()
			s.log.Debug("duplicate insert dropped", zap.String("message_id", msg.ID))
			return
		}
		if h := s.handlers.OnMessage; h != nil {
			s.invoke("OnMessage", func() { h(msg) })
		}

	case EventUpdate:
		msg, err := s.validMessage(ev.Message)
		if err != nil {
			s.protocolError("update", err)
			return
		}
		if h := s.handlers.OnMessageStatusUpdate; h != nil {
			s.invoke("OnMessageStatusUpdate", func() { h(msg) })
		}

	case EventTyping:
		if ev.Typing == nil || ev.Typing.UserID == "" {
			s.protocolError("typing", errors.New("typing event without user"))
			return
		}
		sig := *ev.Typing
		if sig.ConversationID == "" {
			sig.ConversationID = s.conversationID
		}
		if sig.ConversationID != s.conversationID {
			s.protocolError("typing", fmt.Errorf("typing signal belongs to conversation %s", sig.ConversationID))
			return
		}
		if h := s.handlers.OnTyping; h != nil {
			s.invoke("OnTyping", func() { h(sig) })
		}

	case EventPresence:
		if ev.Presence == nil || ev.Presence.UserID == "" {
			s.protocolError("presence", errors.New("presence event without user"))
			return
		}
		p := *ev.Presence
		if p.ConversationID == "" {
			p.ConversationID = s.conversationID
		}
		if p.ConversationID != s.conversationID {
			s.protocolError("presence", fmt.Errorf("presence event belongs to conversation %s", p.ConversationID))
			return
		}
		if h := s.handlers.OnPresence; h != nil {
			s.invoke("OnPresence", func() { h(p) })
		}

	default:
		s.protocolError("event", fmt.Errorf("unknown event kind %q", ev.Kind))
	}
}

func (s *subscription) validMessage(m *Message) (Message, error) {
	if m == nil {
		return Message{}, errors.New("event without message")
	}
	if m.ID == "" {
		return Message{}, errors.New("message without id")
	}
	msg := *m
	if msg.ConversationID == "" {
		msg.ConversationID = s.conversationID
	}
	if msg.ConversationID != s.conversationID {
		return Message{}, fmt.Errorf("message %s belongs to conversation %s", msg.ID, msg.ConversationID)
	}
	return msg, nil
}

func (s *subscription) reportConnection(connected bool) {
	if s.reported != nil && *s.reported == connected {
		return
	}
	s.reported = &connected
	if h := s.handlers.OnConnectionChange; h != nil {
		s.invoke("OnConnectionChange", func() { h(connected) })
	}
}

func (s *subscription) protocolError(op string, err error) {
	s.log.Warn("dropped malformed event", zap.String("op", op), zap.Error(err))
	s.emitError(newSyncError(KindProtocol, op, s.conversationID, err))
}

func (s *subscription) invoke(name string, fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", zap.String("handler", name), zap.Any("panic", r))
			s.emitError(newSyncError(KindProtocol, name, s.conversationID, fmt.Errorf("handler panic: %v", r)))
		}
	}()
	fn()
}

func (s *subscription) emitError(err error) {
	h := s.handlers.OnError
	if h == nil || s.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("OnError panic", zap.Any("panic", r))
		}
	}()
	h(err)
}

// goroutineID reads the current goroutine's id from the stack header
// ("goroutine 18 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
