// Package provider defines packet sources and the registry that builds them from configuration.
package provider

import (
	"context"

	"github.com/coachpo/aisbus/internal/domain/packet"
)

// Output receives packets from a running provider. *stream.Stream satisfies it.
type Output interface {
	Add(ctx context.Context, p *packet.Packet) error
}

// Provider is a packet source.
type Provider interface {
	Name() string
	// Init prepares resources and fails fast on bad configuration.
	Init(ctx context.Context) error
	// Run pushes packets into out until the source is exhausted or ctx is done.
	// A cancelled ctx is not an error.
	Run(ctx context.Context, out Output) error
}

// Spec selects and configures one provider instance.
type Spec struct {
	Name   string
	Type   string
	Config map[string]any
}
