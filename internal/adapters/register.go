// Package adapters wires built-in adapters into the provider and consumer registries.
package adapters

import (
	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/consumer/archive"
	"github.com/coachpo/aisbus/internal/app/consumer/logsink"
	"github.com/coachpo/aisbus/internal/app/consumer/sink"
	"github.com/coachpo/aisbus/internal/app/provider"
	"github.com/coachpo/aisbus/internal/app/provider/file"
	"github.com/coachpo/aisbus/internal/app/provider/websocket"
)

// RegisterAll installs every built-in adapter. Nil registries are skipped.
func RegisterAll(providers *provider.Registry, consumers *consumer.Registry) {
	if providers != nil {
		providers.Register(file.Type, file.Factory)
		providers.Register(websocket.Type, websocket.Factory)
	}
	if consumers != nil {
		consumers.Register(sink.Type, sink.Factory)
		consumers.Register(logsink.Type, logsink.Factory)
		consumers.Register(archive.Type, archive.Factory)
	}
}

// Registries returns registries populated with the built-in adapters.
func Registries() (*provider.Registry, *consumer.Registry) {
	providers := provider.NewRegistry()
	consumers := consumer.NewRegistry()
	RegisterAll(providers, consumers)
	return providers, consumers
}
