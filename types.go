package chatsync

import (
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "http " + strconv.Itoa(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Temporary reports whether the failure is worth retrying.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == 429
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a two-party chat.
type Conversation struct {
	ID                 string    `json:"id"`
	ParticipantIDs     [2]string `json:"participantIds"`
	OtherUserID        string    `json:"otherUserId,omitempty"`
	OtherUserName      string    `json:"otherUserName,omitempty"`
	OtherUserAvatarURL string    `json:"otherUserAvatarUrl,omitempty"`
	LastMessage        string    `json:"lastMessage,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitempty"`
	IsActive           bool      `json:"isActive"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// UnreadCount is maintained locally from merged messages.
	UnreadCount int `json:"-"`
}

// Has reports whether userID participates in the conversation.
func (c *Conversation) Has(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

func (t MessageType) valid() bool {
	return t == MessageText || t == MessageImage
}

// Message is an authoritative, server-committed message row.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsDelivered    bool        `json:"isDelivered"`
	IsRead         bool        `json:"isRead"`
	CorrelationID  string      `json:"correlationId,omitempty"`
}

// MessageStatus is a position in the message lifecycle.
type MessageStatus int

const (
	StatusPending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = [...]string{"pending", "sent", "delivered", "read", "failed"}

func (s MessageStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// OptimisticMessage is a locally composed message not yet committed by the backend.
type OptimisticMessage struct {
	TempID         string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	MediaURL       string
	CreatedAt      time.Time
	Failed         bool
	FailureReason  string
	RetryCount     int
}

// Entry is one row of the merged, UI-facing message list. Exactly one of
// the authoritative and optimistic forms backs it.
type Entry struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	MediaURL       string
	CreatedAt      time.Time
	Status         MessageStatus
	Optimistic     bool
	FailureReason  string
	RetryCount     int
}

func entryFromMessage(m Message) Entry {
	return Entry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           m.Type,
		MediaURL:       m.MediaURL,
		CreatedAt:      m.CreatedAt,
		Status:         StatusOf(m),
	}
}

func entryFromOptimistic(o OptimisticMessage) Entry {
	e := Entry{
		ID:             o.TempID,
		ConversationID: o.ConversationID,
		SenderID:       o.SenderID,
		Content:        o.Content,
		Type:           o.Type,
		MediaURL:       o.MediaURL,
		CreatedAt:      o.CreatedAt,
		Status:         StatusPending,
		Optimistic:     true,
		FailureReason:  o.FailureReason,
		RetryCount:     o.RetryCount,
	}
	if o.Failed {
		e.Status = StatusFailed
	}
	return e
}

// ============================================================================
// Ephemeral signals
// ============================================================================

// TypingSignal is the latest typing state of one user in one conversation.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName,omitempty"`
	IsTyping       bool      `json:"isTyping"`
	At             time.Time `json:"at"`
}

// PresenceEvent reports whether a user is currently attached to a conversation.
type PresenceEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Online         bool      `json:"online"`
	At             time.Time `json:"at"`
}

// ============================================================================
// Connection
// ============================================================================

// ConnectionState is the state of one conversation's push channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateSubscribed   ConnectionState = "subscribed"
	StateDegraded     ConnectionState = "degraded"
	StateDisconnected ConnectionState = "disconnected"
)

// ConnectionQuality summarizes every open subscription.
type ConnectionQuality string

const (
	QualityIdle     ConnectionQuality = "idle"
	QualityGood     ConnectionQuality = "good"
	QualityDegraded ConnectionQuality = "degraded"
	QualityOffline  ConnectionQuality = "offline"
)

// ConnectionInfo is a snapshot of one subscription.
type ConnectionInfo struct {
	ConversationID string
	State          ConnectionState
	Attempt        int
	LastHeartbeat  time.Time
}

// ConnectionSummary is a snapshot across all subscriptions.
type ConnectionSummary struct {
	Active        int
	Subscribed    int
	LastHeartbeat time.Time
	Quality       ConnectionQuality
}
