package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TypingSender delivers an outbound typing signal.
type TypingSender func(ctx context.Context, sig TypingSignal) error

// TypingCoordinator owns outbound typing timers and the inbound
// per-(conversation, user) typing state.
//
// A SetTyping(true) is broadcast immediately and auto-stopped after
// TypingSendTimeout without a refresh. A received signal is forced to false
// after TypingReceiveTimeout without an update. Every timer is keyed and a
// new timer for the same key always replaces the old one.
type TypingCoordinator struct {
	localUserID string
	send        TypingSender
	onChange    func(conversationID string)
	opts        *Options
	log         *zap.Logger
	metrics     *metrics

	mu       sync.Mutex
	seq      uint64
	outbound map[typingKey]*outboundTyping
	inbound  map[string]map[string]*inboundTyping
}

type typingKey struct {
	conversationID string
	userID         string
}

type outboundTyping struct {
	sig     TypingSignal
	timer   *time.Timer
	gen     uint64
	limiter *rate.Limiter
}

type inboundTyping struct {
	sig   TypingSignal
	timer *time.Timer
	gen   uint64
}

func newTypingCoordinator(localUserID string, send TypingSender, onChange func(string), opts *Options, m *metrics) *TypingCoordinator {
	if onChange == nil {
		onChange = func(string) {}
	}
	return &TypingCoordinator{
		localUserID: localUserID,
		send:        send,
		onChange:    onChange,
		opts:        opts,
		log:         opts.Logger.Named("typing"),
		metrics:     m,
		outbound:    make(map[typingKey]*outboundTyping),
		inbound:     make(map[string]map[string]*inboundTyping),
	}
}

// SetTyping records the local user's typing state and broadcasts it.
// Repeated true calls restart the stop timer and re-broadcast at most once
// per TypingRefreshInterval so receivers do not expire an active typist.
func (c *TypingCoordinator) SetTyping(ctx context.Context, conversationID, userID, userName string, isTyping bool) error {
	key := typingKey{conversationID, userID}
	sig := TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		IsTyping:       isTyping,
		At:             c.opts.Now(),
	}

	c.mu.Lock()
	cur := c.outbound[key]
	if !isTyping {
		if cur == nil {
			c.mu.Unlock()
			return nil
		}
		cur.timer.Stop()
		delete(c.outbound, key)
		c.mu.Unlock()
		return c.broadcast(ctx, sig)
	}

	broadcast := true
	if cur == nil {
		cur = &outboundTyping{
			limiter: rate.NewLimiter(rate.Every(c.opts.TypingRefreshInterval), 1),
		}
		cur.limiter.Allow()
		c.outbound[key] = cur
	} else {
		cur.timer.Stop()
		broadcast = cur.limiter.Allow()
	}
	cur.sig = sig
	c.seq++
	cur.gen = c.seq
	gen := cur.gen
	cur.timer = time.AfterFunc(c.opts.TypingSendTimeout, func() { c.expireOutbound(key, gen) })
	c.mu.Unlock()

	if !broadcast {
		return nil
	}
	return c.broadcast(ctx, sig)
}

func (c *TypingCoordinator) expireOutbound(key typingKey, gen uint64) {
	c.mu.Lock()
	cur := c.outbound[key]
	if cur == nil || cur.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.outbound, key)
	sig := cur.sig
	c.mu.Unlock()

	sig.IsTyping = false
	sig.At = c.opts.Now()
	c.log.Debug("typing auto-stopped", zap.String("conversation_id", key.conversationID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.broadcast(ctx, sig); err != nil {
		c.log.Debug("typing stop broadcast failed", zap.Error(err))
	}
}

func (c *TypingCoordinator) broadcast(ctx context.Context, sig TypingSignal) error {
	c.metrics.typingBroadcasts.Inc()
	return c.send(ctx, sig)
}

// Receive applies an inbound typing signal. Signals from the local user are ignored.
func (c *TypingCoordinator) Receive(sig TypingSignal) {
	if sig.UserID == c.localUserID {
		return
	}

	c.mu.Lock()
	users := c.inbound[sig.ConversationID]
	if users == nil {
		users = make(map[string]*inboundTyping)
		c.inbound[sig.ConversationID] = users
	}
	cur := users[sig.UserID]
	if cur == nil {
		cur = &inboundTyping{}
		users[sig.UserID] = cur
	}
	if cur.timer != nil {
		cur.timer.Stop()
		cur.timer = nil
	}
	if sig.At.IsZero() {
		sig.At = c.opts.Now()
	}
	cur.sig = sig
	c.seq++
	cur.gen = c.seq

	if sig.IsTyping {
		key := typingKey{sig.ConversationID, sig.UserID}
		gen := cur.gen
		cur.timer = time.AfterFunc(c.opts.TypingReceiveTimeout, func() { c.expireInbound(key, gen) })
	}
	c.mu.Unlock()

	c.onChange(sig.ConversationID)
}

func (c *TypingCoordinator) expireInbound(key typingKey, gen uint64) {
	c.mu.Lock()
	cur := c.inbound[key.conversationID][key.userID]
	if cur == nil || cur.gen != gen {
		c.mu.Unlock()
		return
	}
	cur.timer = nil
	cur.sig.IsTyping = false
	c.mu.Unlock()

	c.log.Debug("typing expired", zap.String("conversation_id", key.conversationID), zap.String("user_id", key.userID))
	c.onChange(key.conversationID)
}

// Typing returns the users currently typing in a conversation, by name.
func (c *TypingCoordinator) Typing(conversationID string) []TypingSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []TypingSignal
	for _, cur := range c.inbound[conversationID] {
		if cur.sig.IsTyping {
			out = append(out, cur.sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// IsTyping reports the received state for one user.
func (c *TypingCoordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.inbound[conversationID][userID]
	return cur != nil && cur.sig.IsTyping
}

// Clear stops every timer of a conversation and forgets its typing state.
// No expiry of that conversation changes state after Clear returns.
func (c *TypingCoordinator) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cur := range c.outbound {
		if key.conversationID == conversationID {
			cur.timer.Stop()
			delete(c.outbound, key)
		}
	}
	for _, cur := range c.inbound[conversationID] {
		if cur.timer != nil {
			cur.timer.Stop()
		}
	}
	delete(c.inbound, conversationID)
}

// ClearAll stops every timer.
func (c *TypingCoordinator) ClearAll() {
	c.mu.Lock()
	ids := make(map[string]struct{})
	for key := range c.outbound {
		ids[key.conversationID] = struct{}{}
	}
	for id := range c.inbound {
		ids[id] = struct{}{}
	}
	c.mu.Unlock()

	for id := range ids {
		c.Clear(id)
	}
}
