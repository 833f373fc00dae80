package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Lifecycle is a host application lifecycle signal.
type Lifecycle string

const (
	LifecycleForeground Lifecycle = "foreground"
	LifecycleBackground Lifecycle = "background"
)

// Session is the chat façade for one signed-in user. It owns the merged,
// UI-facing message list of every open conversation and composes the
// subscription manager, typing coordinator, status machine and send
// pipeline behind it.
type Session struct {
	gateway  Gateway
	userID   string
	userName string
	opts     *Options
	log      *zap.Logger
	metrics  *metrics

	ledger   *Ledger
	subs     *SubscriptionManager
	typing   *TypingCoordinator
	status   *StatusMachine
	pipeline *Pipeline
	emitter  *changeEmitter
	creates  singleflight.Group

	mu            sync.RWMutex
	closed        bool
	lifecycle     Lifecycle
	chats         map[string]*chatView
	conversations map[string]*Conversation
	lastError     error
}

type chatView struct {
	loading    bool
	messages   map[string]*Message
	optimistic map[string]OptimisticMessage // by correlation id
	corrIndex  map[string]string            // correlation id -> message id
	online     map[string]bool
}

func newChatView() *chatView {
	return &chatView{
		loading:    true,
		messages:   make(map[string]*Message),
		optimistic: make(map[string]OptimisticMessage),
		corrIndex:  make(map[string]string),
		online:     make(map[string]bool),
	}
}

// NewSession creates the façade for userID. opts may be nil.
func NewSession(gw Gateway, userID, userName string, opts *Options) *Session {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	m := newMetrics(o.Registerer)

	s := &Session{
		gateway:       gw,
		userID:        userID,
		userName:      userName,
		opts:          &o,
		log:           o.Logger.Named("session").With(zap.String("user_id", userID)),
		metrics:       m,
		ledger:        NewLedger(),
		lifecycle:     LifecycleForeground,
		chats:         make(map[string]*chatView),
		conversations: make(map[string]*Conversation),
	}
	s.emitter = newChangeEmitter(s.log)
	s.subs = newSubscriptionManager(gw, s.ledger, &o, m)
	broadcast := func(ctx context.Context, sig TypingSignal) error {
		return s.subs.Broadcast(ctx, sig.ConversationID, sig)
	}
	s.typing = newTypingCoordinator(userID, broadcast, func(conversationID string) {
		s.emitter.emit(Change{Kind: ChangeTyping, ConversationID: conversationID})
	}, &o, m)
	s.status = newStatusMachine(gw, s.reportError, &o, m)
	s.pipeline = newPipeline(gw, s, &o, m)
	return s
}

// UserID returns the signed-in user.
func (s *Session) UserID() string { return s.userID }

// OnChange registers a change listener and returns its removal func.
func (s *Session) OnChange(h ChangeHandler) func() {
	return s.emitter.on(h)
}

// ============================================================================
// Open / Close
// ============================================================================

// OpenChat subscribes to a conversation and loads its history. Push events
// that arrive while history loads are merged, not lost.
func (s *Session) OpenChat(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.chats[conversationID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, conversationID)
	}
	s.chats[conversationID] = newChatView()
	s.mu.Unlock()
	s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: conversationID})

	if err := s.subs.Open(conversationID, s.userID, s.handlers(conversationID)); err != nil {
		s.dropView(conversationID)
		return err
	}

	history, err := s.gateway.FetchMessages(ctx, conversationID)
	if err != nil {
		s.CloseChat(conversationID)
		err = newSyncError(KindTransport, "fetch_messages", conversationID, err)
		s.reportError(err)
		return err
	}

	for _, m := range history {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.ledger.SeenOrMark(LedgerKey{ConversationID: conversationID, MessageID: m.ID})
		s.merge(m, false)
	}

	s.mu.Lock()
	if v := s.chats[conversationID]; v != nil {
		v.loading = false
	}
	s.mu.Unlock()

	s.log.Info("chat opened", zap.String("conversation_id", conversationID), zap.Int("history", len(history)))
	s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return nil
}

// CloseChat tears down a conversation. Conversation B is untouched by
// closing A. No handler of the conversation runs after CloseChat returns.
func (s *Session) CloseChat(conversationID string) {
	s.subs.Close(conversationID)
	s.typing.Clear(conversationID)
	s.status.Cancel(conversationID)
	s.pipeline.Clear(conversationID)
	if s.dropView(conversationID) {
		s.log.Info("chat closed", zap.String("conversation_id", conversationID))
		s.emitter.emit(Change{Kind: ChangeConnection, ConversationID: conversationID})
	}
}

func (s *Session) dropView(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[conversationID]
	delete(s.chats, conversationID)
	return ok
}

// Close tears down every conversation and rejects further use.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subs.Shutdown()
	s.typing.ClearAll()
	s.status.CancelAll()

	s.mu.Lock()
	for id := range s.chats {
		s.pipeline.Clear(id)
	}
	s.chats = make(map[string]*chatView)
	s.mu.Unlock()

	s.emitter.removeAll()
	s.log.Info("session closed")
	return nil
}

// ============================================================================
// Outbound actions
// ============================================================================

// SendMessage sends a text message optimistically. The placeholder is in
// the merged view before the insert is issued; a failed insert leaves it
// there marked failed and the error is returned.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	return s.Send(ctx, SendRequest{ConversationID: conversationID, Content: content, Type: MessageText})
}

// SendImage sends an image message with an optional caption.
func (s *Session) SendImage(ctx context.Context, conversationID, mediaURL, caption string) (string, error) {
	return s.Send(ctx, SendRequest{ConversationID: conversationID, Content: caption, Type: MessageImage, MediaURL: mediaURL})
}

// Send is the general form of SendMessage. SenderID is always the session user.
func (s *Session) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := s.requireOpen(req.ConversationID); err != nil {
		return "", err
	}
	req.SenderID = s.userID
	corr, err := s.pipeline.Send(ctx, req)
	if err != nil && corr != "" {
		s.reportError(err)
	}
	return corr, err
}

// RetryMessage re-issues a failed send.
func (s *Session) RetryMessage(ctx context.Context, conversationID, tempID string) error {
	if err := s.requireOpen(conversationID); err != nil {
		return err
	}
	err := s.pipeline.Retry(ctx, conversationID, tempID)
	var se *SyncError
	if errors.As(err, &se) {
		s.reportError(err)
	}
	return err
}

// DiscardMessage removes a failed placeholder from the view.
func (s *Session) DiscardMessage(conversationID, tempID string) error {
	om, err := s.pipeline.Discard(conversationID, tempID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if v := s.chats[conversationID]; v != nil {
		delete(v.optimistic, om.CorrelationID)
	}
	s.mu.Unlock()
	s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: conversationID})
	return nil
}

// SetTyping broadcasts the local user's typing state.
func (s *Session) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if err := s.requireOpen(conversationID); err != nil {
		return err
	}
	return s.typing.SetTyping(ctx, conversationID, s.userID, s.userName, isTyping)
}

// MarkRead marks every unread message of the other participant as read.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.requireOpen(conversationID); err != nil {
		return err
	}
	if err := s.status.MarkRead(ctx, conversationID, s.userID); err != nil {
		s.reportError(err)
		return err
	}

	s.mu.Lock()
	changed := false
	if v := s.chats[conversationID]; v != nil {
		for id, m := range v.messages {
			if m.SenderID == s.userID || m.IsRead {
				continue
			}
			merged, _ := MergeStatus(*m, Message{IsRead: true})
			v.messages[id] = &merged
			changed = true
		}
	}
	if c := s.conversations[conversationID]; c != nil && c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: conversationID})
		s.emitter.emit(Change{Kind: ChangeConversations, ConversationID: conversationID})
	}
	return nil
}

// Reconnect resets the reconnect budget of a conversation and re-opens it
// unless it is subscribed.
func (s *Session) Reconnect(conversationID string) error {
	return s.subs.Reconnect(conversationID)
}

// HandleLifecycle applies a host lifecycle signal. Returning to the
// foreground re-opens every conversation that is not subscribed.
func (s *Session) HandleLifecycle(l Lifecycle) int {
	s.mu.Lock()
	prev := s.lifecycle
	s.lifecycle = l
	s.mu.Unlock()

	if l != LifecycleForeground {
		return 0
	}
	n := s.subs.Sweep()
	if n > 0 || prev != l {
		s.log.Info("liveness sweep", zap.Int("reopened", n))
	}
	return n
}

// ============================================================================
// Observable state
// ============================================================================

// Messages returns the merged view of a conversation ordered by creation time.
func (s *Session) Messages(conversationID string) []Entry {
	s.mu.RLock()
	v := s.chats[conversationID]
	if v == nil {
		s.mu.RUnlock()
		return nil
	}
	out := make([]Entry, 0, len(v.messages)+len(v.optimistic))
	for _, m := range v.messages {
		out = append(out, entryFromMessage(*m))
	}
	for _, om := range v.optimistic {
		out = append(out, entryFromOptimistic(om))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Loading reports whether a conversation's history is still being fetched.
func (s *Session) Loading(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.chats[conversationID]
	return v != nil && v.loading
}

// IsOpen reports whether a conversation is open.
func (s *Session) IsOpen(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[conversationID]
	return ok
}

// TypingUsers returns the other users currently typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []TypingSignal {
	return s.typing.Typing(conversationID)
}

// Online returns the users with presence in a conversation.
func (s *Session) Online(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.chats[conversationID]
	if v == nil {
		return nil
	}
	var out []string
	for id, on := range v.online {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ConnectionState returns the push channel state of a conversation.
func (s *Session) ConnectionState(conversationID string) ConnectionInfo {
	info, _ := s.subs.State(conversationID)
	return info
}

// Connection summarizes every open push channel.
func (s *Session) Connection() ConnectionSummary {
	return s.subs.Summary()
}

// LastError returns the most recent write or terminal error.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ClearError resets LastError.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.lastError = nil
	s.mu.Unlock()
}

// ============================================================================
// Merged view writers
// ============================================================================

func (s *Session) handlers(conversationID string) Handlers {
	return Handlers{
		OnMessage: func(m Message) {
			s.merge(m, false)
		},
		OnMessageStatusUpdate: func(m Message) {
			s.applyStatus(m)
		},
		OnTyping: func(sig TypingSignal) {
			s.typing.Receive(sig)
		},
		OnPresence: func(p PresenceEvent) {
			s.mu.Lock()
			if v := s.chats[conversationID]; v != nil {
				v.online[p.UserID] = p.Online
			}
			s.mu.Unlock()
			s.emitter.emit(Change{Kind: ChangePresence, ConversationID: conversationID})
		},
		OnConnectionChange: func(connected bool) {
			s.log.Debug("connection changed", zap.String("conversation_id", conversationID), zap.Bool("connected", connected))
			s.emitter.emit(Change{Kind: ChangeConnection, ConversationID: conversationID})
		},
		OnError: s.reportError,
	}
}

// putOptimistic is called by the pipeline for every placeholder change.
// A placeholder whose correlation id is already committed is ignored.
func (s *Session) putOptimistic(om OptimisticMessage) {
	s.mu.Lock()
	v := s.chats[om.ConversationID]
	if v == nil {
		s.mu.Unlock()
		return
	}
	if _, committed := v.corrIndex[om.CorrelationID]; committed {
		s.mu.Unlock()
		return
	}
	v.optimistic[om.CorrelationID] = om
	s.mu.Unlock()
	s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: om.ConversationID})
}

// applyAuthoritative merges the row returned by a successful insert.
func (s *Session) applyAuthoritative(m Message) {
	s.merge(m, true)
}

// merge adds or updates an authoritative message, reconciles its
// placeholder and refreshes the conversation preview. Rows are keyed by id
// so any number of deliveries of the same message leave one entry.
func (s *Session) merge(m Message, markLedger bool) {
	s.mu.Lock()
	v := s.chats[m.ConversationID]
	if v != nil && markLedger {
		s.ledger.SeenOrMark(LedgerKey{ConversationID: m.ConversationID, MessageID: m.ID})
	}

	added := false
	if v != nil {
		if cur := v.messages[m.ID]; cur != nil {
			next, _ := MergeStatus(*cur, m)
			if next.CorrelationID == "" {
				next.CorrelationID = m.CorrelationID
			}
			v.messages[m.ID] = &next
		} else {
			row := m
			v.messages[m.ID] = &row
			added = true
		}
		if m.CorrelationID != "" {
			v.corrIndex[m.CorrelationID] = m.ID
			delete(v.optimistic, m.CorrelationID)
		}
	}

	convChanged := false
	if c := s.conversations[m.ConversationID]; c != nil {
		if !m.CreatedAt.Before(c.LastMessageAt) {
			c.LastMessage = preview(m)
			c.LastMessageAt = m.CreatedAt
			if m.CreatedAt.After(c.UpdatedAt) {
				c.UpdatedAt = m.CreatedAt
			}
			convChanged = true
		}
		if added && m.SenderID != s.userID && !m.IsRead {
			c.UnreadCount++
			convChanged = true
		}
	}
	s.mu.Unlock()

	s.pipeline.Reconcile(m.ConversationID, m.CorrelationID)

	if added && v != nil && m.SenderID != s.userID && !m.IsDelivered {
		s.status.AckDelivered(m.ConversationID, m.ID)
	}
	if v != nil {
		s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
	}
	if convChanged {
		s.emitter.emit(Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
	}
}

// applyStatus applies a pushed status update. Flags never move back to false.
func (s *Session) applyStatus(m Message) {
	s.mu.Lock()
	v := s.chats[m.ConversationID]
	if v == nil {
		s.mu.Unlock()
		return
	}
	cur := v.messages[m.ID]
	if cur == nil {
		s.mu.Unlock()
		s.log.Debug("status update for unknown message", zap.String("message_id", m.ID))
		return
	}
	next, changed := MergeStatus(*cur, m)
	if changed {
		v.messages[m.ID] = &next
	}
	s.mu.Unlock()

	if changed {
		s.emitter.emit(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
	}
}

// reportError records write and terminal errors as LastError. Protocol
// errors are only broadcast.
func (s *Session) reportError(err error) {
	if err == nil {
		return
	}
	var se *SyncError
	conversationID := ""
	if errors.As(err, &se) {
		conversationID = se.ConversationID
	}
	if se == nil || se.Kind != KindProtocol {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
	}
	s.emitter.emit(Change{Kind: ChangeError, ConversationID: conversationID, Err: err})
}

func (s *Session) requireOpen(conversationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.chats[conversationID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}
	return nil
}

func preview(m Message) string {
	if m.Type == MessageImage && m.Content == "" {
		return "[image]"
	}
	return m.Content
}
