package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures a Session and the components it owns.
type Options struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// HeartbeatStaleAfter marks a subscribed channel degraded for quality purposes.
	HeartbeatStaleAfter time.Duration
	// SubscribeTimeout bounds the push channel handshake of the HTTP gateway.
	SubscribeTimeout time.Duration

	TypingSendTimeout     time.Duration
	TypingReceiveTimeout  time.Duration
	TypingRefreshInterval time.Duration

	DeliveryDebounce       time.Duration
	DeliveryMaxWait        time.Duration
	StatusWriteConcurrency int

	CreateConversationTimeout time.Duration

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatStaleAfter == 0 {
		o.HeartbeatStaleAfter = 2 * o.HeartbeatInterval
	}
	if o.SubscribeTimeout == 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.TypingSendTimeout == 0 {
		o.TypingSendTimeout = 2 * time.Second
	}
	if o.TypingReceiveTimeout == 0 {
		o.TypingReceiveTimeout = 3 * time.Second
	}
	if o.TypingRefreshInterval == 0 {
		o.TypingRefreshInterval = 1 * time.Second
	}
	if o.DeliveryDebounce == 0 {
		o.DeliveryDebounce = 500 * time.Millisecond
	}
	if o.DeliveryMaxWait == 0 {
		o.DeliveryMaxWait = 2 * time.Second
	}
	if o.StatusWriteConcurrency == 0 {
		o.StatusWriteConcurrency = 4
	}
	if o.CreateConversationTimeout == 0 {
		o.CreateConversationTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
