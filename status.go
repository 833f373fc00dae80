package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusOf derives the lifecycle position of an authoritative message.
func StatusOf(m Message) MessageStatus {
	switch {
	case m.IsRead:
		return StatusRead
	case m.IsDelivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// CanTransition reports whether a message may move from one status to another.
// Statuses only advance; a failed send may go back to pending on retry.
func CanTransition(from, to MessageStatus) bool {
	if from == StatusFailed {
		return to == StatusPending
	}
	if to == StatusFailed {
		return from == StatusPending
	}
	return to > from
}

// MergeStatus applies the flags of upd onto cur. Flags only move from false
// to true and read implies delivered. It reports whether cur changed.
func MergeStatus(cur Message, upd Message) (Message, bool) {
	next := cur
	next.IsDelivered = cur.IsDelivered || upd.IsDelivered || upd.IsRead
	next.IsRead = cur.IsRead || upd.IsRead
	if next.IsRead {
		next.IsDelivered = true
	}
	return next, next.IsDelivered != cur.IsDelivered || next.IsRead != cur.IsRead
}

// ============================================================================
// StatusMachine
// ============================================================================

// StatusMachine issues delivered and read status writes. Delivery
// acknowledgements are batched per conversation and flushed after
// DeliveryDebounce of quiet, or DeliveryMaxWait after the first one.
type StatusMachine struct {
	gateway Gateway
	opts    *Options
	log     *zap.Logger
	metrics *metrics
	onError func(error)

	mu       sync.Mutex
	seq      uint64
	pending  map[string]*deliveryBatch
	inflight map[string]map[uint64]context.CancelFunc
}

type deliveryBatch struct {
	ids   []string
	set   map[string]struct{}
	first time.Time
	timer *time.Timer
	gen   uint64
}

func newStatusMachine(gw Gateway, onError func(error), opts *Options, m *metrics) *StatusMachine {
	if onError == nil {
		onError = func(error) {}
	}
	return &StatusMachine{
		gateway:  gw,
		opts:     opts,
		log:      opts.Logger.Named("status"),
		metrics:  m,
		onError:  onError,
		pending:  make(map[string]*deliveryBatch),
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
}

// AckDelivered queues a delivered write for a message received from the other participant.
func (sm *StatusMachine) AckDelivered(conversationID, messageID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.opts.Now()
	b := sm.pending[conversationID]
	if b == nil {
		b = &deliveryBatch{set: make(map[string]struct{}), first: now}
		sm.pending[conversationID] = b
	}
	if _, ok := b.set[messageID]; ok {
		return
	}
	b.set[messageID] = struct{}{}
	b.ids = append(b.ids, messageID)

	wait := sm.opts.DeliveryDebounce
	if deadline := b.first.Add(sm.opts.DeliveryMaxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	sm.seq++
	b.gen = sm.seq
	gen := b.gen
	b.timer = time.AfterFunc(wait, func() { sm.flush(conversationID, gen) })
}

// Pending returns the message ids waiting for a delivered write.
func (sm *StatusMachine) Pending(conversationID string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	b := sm.pending[conversationID]
	if b == nil {
		return nil
	}
	return append([]string(nil), b.ids...)
}

func (sm *StatusMachine) flush(conversationID string, gen uint64) {
	sm.mu.Lock()
	b := sm.pending[conversationID]
	if b == nil || b.gen != gen {
		sm.mu.Unlock()
		return
	}
	delete(sm.pending, conversationID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if sm.inflight[conversationID] == nil {
		sm.inflight[conversationID] = make(map[uint64]context.CancelFunc)
	}
	sm.inflight[conversationID][gen] = cancel
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.inflight[conversationID], gen)
		if len(sm.inflight[conversationID]) == 0 {
			delete(sm.inflight, conversationID)
		}
		sm.mu.Unlock()
		cancel()
	}()

	delivered := true
	var g errgroup.Group
	g.SetLimit(sm.opts.StatusWriteConcurrency)
	for _, id := range b.ids {
		g.Go(func() error {
			err := sm.gateway.UpdateMessageStatus(ctx, id, StatusUpdate{IsDelivered: &delivered})
			if err != nil {
				sm.metrics.statusWrites.WithLabelValues("error").Inc()
				sm.log.Warn("delivered write failed", zap.String("message_id", id), zap.Error(err))
				return err
			}
			sm.metrics.statusWrites.WithLabelValues("ok").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		sm.onError(newSyncError(KindWrite, "deliver", conversationID, err))
	}
	sm.log.Debug("delivered batch flushed", zap.String("conversation_id", conversationID), zap.Int("count", len(b.ids)))
}

// MarkRead marks every unread message authored by the other participant as read.
func (sm *StatusMachine) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if err := sm.gateway.MarkConversationRead(ctx, conversationID, readerID); err != nil {
		sm.metrics.statusWrites.WithLabelValues("error").Inc()
		return newSyncError(KindWrite, "mark_read", conversationID, err)
	}
	sm.metrics.statusWrites.WithLabelValues("ok").Inc()
	return nil
}

// Cancel drops queued delivery writes of a conversation and aborts an
// in-flight flush.
func (sm *StatusMachine) Cancel(conversationID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if b := sm.pending[conversationID]; b != nil {
		b.timer.Stop()
		delete(sm.pending, conversationID)
	}
	for _, cancel := range sm.inflight[conversationID] {
		cancel()
	}
}

// CancelAll drops every queued delivery write.
func (sm *StatusMachine) CancelAll() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.pending)+len(sm.inflight))
	for id := range sm.pending {
		ids = append(ids, id)
	}
	for id := range sm.inflight {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	for _, id := range ids {
		sm.Cancel(id)
	}
}
