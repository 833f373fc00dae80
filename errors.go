package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("chatsync: session closed")
	ErrNotOpen            = errors.New("chatsync: conversation not open")
	ErrAlreadyOpen        = errors.New("chatsync: conversation already open")
	ErrNotFound           = errors.New("chatsync: message not found")
	ErrNotFailed          = errors.New("chatsync: message has not failed")
	ErrInvalidMessage     = errors.New("chatsync: invalid message")
	ErrReconnectExhausted = errors.New("chatsync: reconnect attempts exhausted")
)

// ErrorKind classifies failures by how they are recovered.
type ErrorKind int

const (
	// KindTransport errors are retried automatically with backoff.
	KindTransport ErrorKind = iota
	// KindWrite errors are surfaced per operation and retried by the caller.
	KindWrite
	// KindProtocol errors are logged and the offending event dropped.
	KindProtocol
	// KindTerminal errors leave the conversation disconnected until an explicit reconnect.
	KindTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindWrite:
		return "write"
	case KindProtocol:
		return "protocol"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// SyncError is the error type routed to OnError handlers and the session's last error.
type SyncError struct {
	Kind           ErrorKind
	Op             string
	ConversationID string
	Err            error
}

func (e *SyncError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("chatsync %s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("chatsync %s %s [%s]: %v", e.Kind, e.Op, e.ConversationID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTerminal reports whether err ended a conversation's reconnect budget.
func IsTerminal(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindTerminal
}

func newSyncError(kind ErrorKind, op, conversationID string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, ConversationID: conversationID, Err: err}
}
