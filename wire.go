package chatsync

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================================
// Push envelopes
// ============================================================================

// Server to client envelope types.
const (
	envSubscribed = "subscribed"
	envInsert     = "insert"
	envUpdate     = "update"
	envTyping     = "typing"
	envPresence   = "presence"
	envPong       = "pong"
	envError      = "error"
)

// Client to server command types.
const (
	cmdTyping   = "typing"
	cmdPresence = "presence"
	cmdPing     = "ping"
)

// Envelope is the wire format of every server-pushed frame.
type Envelope struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope without type")
	}
	return env, nil
}

// event converts a data envelope into a channel event. ok is false for
// control envelopes (subscribed, pong, error).
func (e Envelope) event() (ev ChannelEvent, ok bool, err error) {
	switch e.Type {
	case envInsert, envUpdate:
		var m Message
		if err := codec.Unmarshal(e.Payload, &m); err != nil {
			return ChannelEvent{}, true, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		kind := EventInsert
		if e.Type == envUpdate {
			kind = EventUpdate
		}
		return ChannelEvent{Kind: kind, Message: &m}, true, nil
	case envTyping:
		var sig TypingSignal
		if err := codec.Unmarshal(e.Payload, &sig); err != nil {
			return ChannelEvent{}, true, fmt.Errorf("decode typing: %w", err)
		}
		return ChannelEvent{Kind: EventTyping, Typing: &sig}, true, nil
	case envPresence:
		var p PresenceEvent
		if err := codec.Unmarshal(e.Payload, &p); err != nil {
			return ChannelEvent{}, true, fmt.Errorf("decode presence: %w", err)
		}
		return ChannelEvent{Kind: EventPresence, Presence: &p}, true, nil
	case envSubscribed, envPong, envError:
		return ChannelEvent{}, false, nil
	default:
		return ChannelEvent{Kind: EventKind(e.Type)}, true, nil
	}
}

func encodeCommand(cmd Command) ([]byte, error) {
	data, err := codec.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	return data, nil
}

// ============================================================================
// REST bodies
// ============================================================================

type dataResponse[T any] struct {
	Data T `json:"data"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

type createConversationBody struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

type markReadBody struct {
	ReaderID string `json:"readerId"`
}

func decodeData[T any](data []byte) (T, error) {
	var resp dataResponse[T]
	if err := codec.Unmarshal(data, &resp); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.Data, nil
}
