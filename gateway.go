package chatsync

import "context"

// ============================================================================
// Backend Gateway contract
// ============================================================================

// InsertRequest is an authoritative message insert.
type InsertRequest struct {
	ConversationID string      `json:"-"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	CorrelationID  string      `json:"correlationId"`
}

// StatusUpdate sets delivery flags on a message. Nil fields are left untouched.
type StatusUpdate struct {
	IsDelivered *bool `json:"isDelivered,omitempty"`
	IsRead      *bool `json:"isRead,omitempty"`
}

// Gateway is the persistence and push collaborator consumed by the core.
type Gateway interface {
	FetchConversations(ctx context.Context, userID string) ([]Conversation, error)
	// FetchMessages returns the conversation history ordered by CreatedAt ascending.
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	InsertMessage(ctx context.Context, req InsertRequest) (*Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, update StatusUpdate) error
	// MarkConversationRead marks every unread message not authored by readerID as read.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) error
	// CreateConversation returns the active conversation between the two users,
	// creating it if none exists.
	CreateConversation(ctx context.Context, userID, otherUserID string) (*Conversation, error)
	// Subscribe opens a push channel. The subscribe result is reported
	// asynchronously through cb.OnStatus.
	Subscribe(ctx context.Context, conversationID string, filter ChannelFilter, cb ChannelCallbacks) (Channel, error)
}

// Channel is a handle to one open push channel.
type Channel interface {
	Broadcast(ctx context.Context, sig TypingSignal) error
	Track(ctx context.Context, p PresenceEvent) error
	Ping(ctx context.Context) error
	Close() error
}

// ChannelFilter scopes a subscription.
type ChannelFilter struct {
	UserID   string
	Inserts  bool
	Updates  bool
	Typing   bool
	Presence bool
}

// EventKind is the class of an inbound push event.
type EventKind string

const (
	EventInsert   EventKind = "insert"
	EventUpdate   EventKind = "update"
	EventTyping   EventKind = "typing"
	EventPresence EventKind = "presence"
)

// ChannelEvent is one inbound push event. Exactly one payload field is set.
type ChannelEvent struct {
	Kind     EventKind
	Message  *Message
	Typing   *TypingSignal
	Presence *PresenceEvent
}

// SubscribeStatus is the asynchronous result of a subscribe handshake, or a
// later failure of an established channel.
type SubscribeStatus string

const (
	SubscribeOK       SubscribeStatus = "subscribed"
	SubscribeError    SubscribeStatus = "error"
	SubscribeTimedOut SubscribeStatus = "timed_out"
	SubscribeClosed   SubscribeStatus = "closed"
)

// ChannelCallbacks receive traffic from a Channel. They may be called from
// any goroutine.
type ChannelCallbacks struct {
	OnEvent  func(ChannelEvent)
	OnStatus func(SubscribeStatus, error)
}
