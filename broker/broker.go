// Package broker abstracts the pub/sub transport the engine runs over. Only
// the shape the core task-execution engine needs is specified: topic-
// addressed publish/subscribe with at-least-once delivery and per-message
// user properties. The concrete broker client (Solace, Kafka, etc.) is an
// external collaborator injected at construction.
package broker

import "context"

// Message is one inbound message delivered to a subscription handler.
type Message struct {
	// Topic is the topic the message was published to.
	Topic string
	// Payload is the raw message body.
	Payload []byte
	// UserProperties carries broker-level metadata (correlation ids,
	// content type) alongside the payload.
	UserProperties map[string]string
	// Ack must be called once the handler has durably processed the
	// message (e.g. checkpointed); at-least-once delivery means brokers may
	// redeliver until Ack is observed.
	Ack func()
}

// Handler processes one inbound broker message. Handlers must not block
// indefinitely; long-running work is expected to checkpoint and return.
type Handler func(ctx context.Context, msg *Message)

// Publisher publishes messages to topics. Publish is asynchronous from the
// caller's perspective: it returns once the broker has accepted the
// message for delivery (an "ack").
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, userProperties map[string]string) error
}

// Subscriber manages topic subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) (unsubscribe func(), err error)
}

// Client is the full broker surface the engine depends on.
type Client interface {
	Publisher
	Subscriber
	Close() error
}
