// Package consumer defines packet destinations and the registry that builds them from configuration.
package consumer

import (
	"context"

	"github.com/coachpo/aisbus/internal/app/stream"
)

// Consumer is a packet destination fed from a consumer stream.
type Consumer interface {
	Name() string
	// Init opens destination resources and fails fast on bad configuration.
	Init(ctx context.Context) error
	// Attach subscribes to s, which is already narrowed by the configured filter.
	Attach(s *stream.Stream) (*stream.Subscription, error)
	// Close releases destination resources after the subscription has ended.
	Close(ctx context.Context) error
}

// Spec selects and configures one consumer instance.
type Spec struct {
	Name   string
	Type   string
	Config map[string]any
}
