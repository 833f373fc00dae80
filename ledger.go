package chatsync

import "sync"

// LedgerKey identifies one inbound message event.
type LedgerKey struct {
	ConversationID string
	MessageID      string
}

// Ledger records which message events have been applied. Keys are namespaced
// by conversation; each namespace has its own lock so independent channels
// never contend.
type Ledger struct {
	mu         sync.RWMutex
	namespaces map[string]*ledgerNamespace
}

type ledgerNamespace struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{namespaces: make(map[string]*ledgerNamespace)}
}

// SeenOrMark returns true exactly once per key, recording it. Later calls
// with the same key return false and change nothing.
func (l *Ledger) SeenOrMark(key LedgerKey) bool {
	ns := l.namespace(key.ConversationID)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.seen[key.MessageID]; ok {
		return false
	}
	ns.seen[key.MessageID] = struct{}{}
	return true
}

// Seen reports whether key has been marked.
func (l *Ledger) Seen(key LedgerKey) bool {
	l.mu.RLock()
	ns := l.namespaces[key.ConversationID]
	l.mu.RUnlock()
	if ns == nil {
		return false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	_, ok := ns.seen[key.MessageID]
	return ok
}

// Len returns the number of keys recorded for a conversation.
func (l *Ledger) Len(conversationID string) int {
	l.mu.RLock()
	ns := l.namespaces[conversationID]
	l.mu.RUnlock()
	if ns == nil {
		return 0
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.seen)
}

// Prune drops every key of a conversation.
func (l *Ledger) Prune(conversationID string) {
	l.mu.Lock()
	delete(l.namespaces, conversationID)
	l.mu.Unlock()
}

func (l *Ledger) namespace(conversationID string) *ledgerNamespace {
	l.mu.RLock()
	ns := l.namespaces[conversationID]
	l.mu.RUnlock()
	if ns != nil {
		return ns
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ns = l.namespaces[conversationID]; ns == nil {
		ns = &ledgerNamespace{seen: make(map[string]struct{})}
		l.namespaces[conversationID] = ns
	}
	return ns
}
