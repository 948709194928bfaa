package commentsync

import "context"

// ConnState is the coarse transport connection state.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
)

// String returns the lowercase state name used in logs.
func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageHandler receives every inbound message for a subscribed topic.
type MessageHandler func(topic string, data []byte)

// Transport is the long-lived pub/sub channel shared by all topics.
//
// Guarantees expected from implementations:
//   - at-least-once delivery to active subscribers
//   - no ordering guarantee across a reconnect (the engine resyncs instead)
//   - StateChanges observers are invoked sequentially per observer
//
// The SubscriptionManager is the only engine component permitted to call
// Subscribe/Unsubscribe, serializing them to avoid duplicate subscriptions.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, h MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, data []byte) error

	// StateChanges registers an observer for connection-state transitions and
	// returns a cancel func that unregisters it.
	StateChanges(fn func(ConnState)) (cancel func())

	Close() error
}
