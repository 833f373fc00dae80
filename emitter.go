package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// ChangeKind names the part of the session state that changed.
type ChangeKind string

const (
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangePresence      ChangeKind = "presence"
	ChangeConnection    ChangeKind = "connection"
	ChangeConversations ChangeKind = "conversations"
	ChangeError         ChangeKind = "error"
)

// Change tells UI code which observable state to re-read.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Err            error
}

// ChangeHandler receives session changes. It may read session state and may
// close chats, including the one it is notified about.
type ChangeHandler func(Change)

type changeEmitter struct {
	log *zap.Logger

	mu        sync.RWMutex
	next      int
	listeners map[int]ChangeHandler
}

func newChangeEmitter(log *zap.Logger) *changeEmitter {
	return &changeEmitter{log: log, listeners: make(map[int]ChangeHandler)}
}

// on adds a listener and returns a func that removes it.
func (e *changeEmitter) on(h ChangeHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.listeners[id] = h
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *changeEmitter) emit(c Change) {
	e.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(e.listeners))
	for _, h := range e.listeners {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("change listener panic", zap.String("kind", string(c.Kind)), zap.Any("panic", r))
				}
			}()
			h(c)
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[int]ChangeHandler)
}
