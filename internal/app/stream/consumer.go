package stream

import (
	"context"

	"github.com/coachpo/aisbus/internal/domain/packet"
)

// Outcome tells the delivery worker what to do with a subscription after a callback returns.
type Outcome int

const (
	// Continue keeps the subscription active.
	Continue Outcome = iota
	// Unsubscribe cancels the subscription after the current packet.
	Unsubscribe
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// PacketConsumer receives whole packets.
type PacketConsumer interface {
	Accept(ctx context.Context, p *packet.Packet) (Outcome, error)
}

// PacketFunc adapts a function to PacketConsumer.
type PacketFunc func(ctx context.Context, p *packet.Packet) (Outcome, error)

// Accept implements PacketConsumer.
func (f PacketFunc) Accept(ctx context.Context, p *packet.Packet) (Outcome, error) {
	return f(ctx, p)
}

// MessageConsumer receives the decoded message projection of packets.
type MessageConsumer interface {
	AcceptMessage(ctx context.Context, msg packet.Message) (Outcome, error)
}

// MessageFunc adapts a function to MessageConsumer.
type MessageFunc func(ctx context.Context, msg packet.Message) (Outcome, error)

// AcceptMessage implements MessageConsumer.
func (f MessageFunc) AcceptMessage(ctx context.Context, msg packet.Message) (Outcome, error) {
	return f(ctx, msg)
}

// Beginner is implemented by consumers that want a call before the first delivery.
type Beginner interface {
	Begin()
}

// Ender is implemented by consumers that want a call after the last delivery.
// cause is nil for a requested cancellation and the fault otherwise.
type Ender interface {
	End(cause error)
}

// Ingress accepts packets pushed through provider streams.
type Ingress interface {
	Enqueue(ctx context.Context, p *packet.Packet) error
}

type flusher interface {
	Flush() error
}

func hooks(v any) (func(), func(error)) {
	var (
		begin func()
		end   func(error)
	)
	if b, ok := v.(Beginner); ok {
		begin = b.Begin
	}
	if e, ok := v.(Ender); ok {
		end = e.End
	}
	return begin, end
}
