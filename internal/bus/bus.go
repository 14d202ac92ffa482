// Package bus provides the async message bus between channel adapters and
// the gateway core, plus the inbound dedupe cache and debouncer that guard
// its consumer side.
package bus

import (
	"context"
	"log/slog"
)

const defaultQueueSize = 256

// MessageBus decouples channel adapters from the gateway core with bounded
// queues in both directions. Publishing inbound never blocks the adapter:
// when the queue is full the message is dropped with a log line.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a message bus with the default queue sizes.
func New() *MessageBus {
	return NewWithSize(defaultQueueSize)
}

// NewWithSize creates a message bus with the given queue capacity.
func NewWithSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues a message from a channel adapter. Returns false
// when the inbound queue is full and the message was dropped.
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "peer", msg.PeerID)
		return false
	}
}

// ConsumeInbound blocks until a message is available or the context ends.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery. Blocks if the outbound
// queue is full — only agent-run completions publish here, so backpressure
// stays confined to the lane that produced the message.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or the
// context ends.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
