package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendRequest is a compose action from the local user.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	MediaURL       string
	// CorrelationID is generated when empty. Sending twice with the same id
	// inserts once.
	CorrelationID string
}

func (r *SendRequest) validate() error {
	if r.Type == "" {
		r.Type = MessageText
	}
	switch {
	case r.ConversationID == "" || r.SenderID == "":
		return fmt.Errorf("%w: conversation and sender are required", ErrInvalidMessage)
	case !r.Type.valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, r.Type)
	case r.Type == MessageText && strings.TrimSpace(r.Content) == "":
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	case r.Type == MessageImage && r.MediaURL == "":
		return fmt.Errorf("%w: image without media url", ErrInvalidMessage)
	}
	return nil
}

// optimisticView is the merged view the pipeline feeds. It is implemented by
// the session, which stays the only writer of the merged list.
type optimisticView interface {
	putOptimistic(OptimisticMessage)
	applyAuthoritative(Message)
}

// Pipeline performs optimistic sends: a placeholder is shown at once, the
// authoritative insert follows, and the placeholder is dropped when the
// committed row with the same correlation id arrives.
type Pipeline struct {
	gateway Gateway
	view    optimisticView
	opts    *Options
	log     *zap.Logger
	metrics *metrics

	mu            sync.Mutex
	byCorrelation map[string]*OptimisticMessage
	byTemp        map[string]string
	reconciled    map[string]string // correlation id -> conversation id
}

func newPipeline(gw Gateway, view optimisticView, opts *Options, m *metrics) *Pipeline {
	return &Pipeline{
		gateway:       gw,
		view:          view,
		opts:          opts,
		log:           opts.Logger.Named("pipeline"),
		metrics:       m,
		byCorrelation: make(map[string]*OptimisticMessage),
		byTemp:        make(map[string]string),
		reconciled:    make(map[string]string),
	}
}

// Send shows a placeholder and performs the authoritative insert. The
// correlation id is returned even when the insert fails; the placeholder
// then stays in the view marked failed.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}

	p.mu.Lock()
	if _, done := p.reconciled[corr]; done {
		p.mu.Unlock()
		return corr, nil
	}
	if _, ok := p.byCorrelation[corr]; ok {
		p.mu.Unlock()
		return corr, nil
	}
	om := &OptimisticMessage{
		TempID:         "local-" + corr,
		CorrelationID:  corr,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		CreatedAt:      p.opts.Now(),
	}
	p.byCorrelation[corr] = om
	p.byTemp[om.TempID] = corr
	snap := *om
	p.mu.Unlock()

	p.view.putOptimistic(snap)
	return corr, p.insert(ctx, corr)
}

// Retry re-issues the insert of a failed placeholder with its original
// content and correlation id.
func (p *Pipeline) Retry(ctx context.Context, conversationID, tempID string) error {
	p.mu.Lock()
	om := p.lookup(conversationID, tempID)
	if om == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, tempID)
	}
	if !om.Failed {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFailed, tempID)
	}
	om.RetryCount++
	om.Failed = false
	om.FailureReason = ""
	snap := *om
	p.mu.Unlock()

	p.log.Info("retrying send", zap.String("correlation_id", snap.CorrelationID), zap.Int("retry", snap.RetryCount))
	p.view.putOptimistic(snap)
	return p.insert(ctx, snap.CorrelationID)
}

func (p *Pipeline) insert(ctx context.Context, corr string) error {
	p.mu.Lock()
	om := p.byCorrelation[corr]
	if om == nil {
		p.mu.Unlock()
		return nil
	}
	req := InsertRequest{
		ConversationID: om.ConversationID,
		SenderID:       om.SenderID,
		Content:        om.Content,
		Type:           om.Type,
		MediaURL:       om.MediaURL,
		CorrelationID:  corr,
	}
	p.mu.Unlock()

	msg, err := p.gateway.InsertMessage(ctx, req)
	if err != nil {
		p.metrics.sends.WithLabelValues("error").Inc()
		p.log.Warn("insert failed", zap.String("correlation_id", corr), zap.Error(err))

		p.mu.Lock()
		cur := p.byCorrelation[corr]
		var snap OptimisticMessage
		if cur != nil {
			cur.Failed = true
			cur.FailureReason = err.Error()
			snap = *cur
		}
		p.mu.Unlock()

		if cur != nil {
			p.view.putOptimistic(snap)
		}
		return newSyncError(KindWrite, "send", req.ConversationID, err)
	}

	p.metrics.sends.WithLabelValues("ok").Inc()
	if msg != nil && msg.ID != "" {
		m := *msg
		if m.CorrelationID == "" {
			m.CorrelationID = corr
		}
		if m.ConversationID == "" {
			m.ConversationID = req.ConversationID
		}
		p.view.applyAuthoritative(m)
	}
	return nil
}

// Reconcile forgets the placeholder for a correlation id. It reports whether
// one was live; a second call for the same id is a no-op. Only ids that had a
// placeholder are remembered, so incoming messages leave no trace here.
func (p *Pipeline) Reconcile(conversationID, correlationID string) bool {
	if correlationID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	om := p.byCorrelation[correlationID]
	if om == nil {
		return false
	}
	p.reconciled[correlationID] = conversationID
	delete(p.byCorrelation, correlationID)
	delete(p.byTemp, om.TempID)
	p.log.Debug("placeholder reconciled", zap.String("correlation_id", correlationID))
	return true
}

// Discard drops a failed placeholder.
func (p *Pipeline) Discard(conversationID, tempID string) (OptimisticMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	om := p.lookup(conversationID, tempID)
	if om == nil {
		return OptimisticMessage{}, fmt.Errorf("%w: %s", ErrNotFound, tempID)
	}
	if !om.Failed {
		return OptimisticMessage{}, fmt.Errorf("%w: %s", ErrNotFailed, tempID)
	}
	delete(p.byCorrelation, om.CorrelationID)
	delete(p.byTemp, tempID)
	return *om, nil
}

// Live reports whether a correlation id still has a placeholder.
func (p *Pipeline) Live(correlationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byCorrelation[correlationID]
	return ok
}

// Pending returns the placeholders of a conversation, oldest first.
func (p *Pipeline) Pending(conversationID string) []OptimisticMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []OptimisticMessage
	for _, om := range p.byCorrelation {
		if om.ConversationID == conversationID {
			out = append(out, *om)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Clear forgets every placeholder of a conversation.
func (p *Pipeline) Clear(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for corr, om := range p.byCorrelation {
		if om.ConversationID == conversationID {
			delete(p.byCorrelation, corr)
			delete(p.byTemp, om.TempID)
		}
	}
	for corr, conv := range p.reconciled {
		if conv == conversationID {
			delete(p.reconciled, corr)
		}
	}
}

func (p *Pipeline) lookup(conversationID, tempID string) *OptimisticMessage {
	corr, ok := p.byTemp[tempID]
	if !ok {
		return nil
	}
	om := p.byCorrelation[corr]
	if om == nil || om.ConversationID != conversationID {
		return nil
	}
	return om
}
