// Package config loads, validates, saves and builds the declarative bus document.
package config

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/infra/bus/packetbus"
	"github.com/coachpo/aisbus/internal/infra/telemetry"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Document is the YAML bus document.
type Document struct {
	Bus       BusConfig       `yaml:"bus"`
	Log       LogConfig       `yaml:"log,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Control   ControlConfig   `yaml:"control,omitempty"`
	Providers []AdapterSpec   `yaml:"providers"`
	Consumers []AdapterSpec   `yaml:"consumers"`
}

// BusConfig carries the bus tunables. Unset values take the packetbus defaults;
// explicit values are validated as given.
type BusConfig struct {
	QueueSize         *int           `yaml:"queueSize,omitempty"`
	PullBatchSize     *int           `yaml:"pullBatchSize,omitempty"`
	StreamBufferSize  *int           `yaml:"streamBufferSize,omitempty"`
	StreamSendTimeout *time.Duration `yaml:"streamSendTimeout,omitempty"`
}

// Tunables resolves the bus configuration.
func (c BusConfig) Tunables() packetbus.Config {
	cfg := packetbus.DefaultConfig()
	if c.QueueSize != nil {
		cfg.QueueSize = *c.QueueSize
	}
	if c.PullBatchSize != nil {
		cfg.PullBatchSize = *c.PullBatchSize
	}
	if c.StreamBufferSize != nil {
		cfg.StreamBufferSize = *c.StreamBufferSize
	}
	if c.StreamSendTimeout != nil {
		cfg.StreamSendTimeout = *c.StreamSendTimeout
	}
	return cfg
}

// LogConfig configures the base logger.
type LogConfig struct {
	Level   string `yaml:"level,omitempty"`
	Service string `yaml:"service,omitempty"`
	Console bool   `yaml:"console,omitempty"`
}

// Logger converts the section into a logger configuration.
func (c LogConfig) Logger() aislog.Config {
	return aislog.Config{Level: c.Level, Service: c.Service, Console: c.Console}
}

// TelemetryConfig configures OTLP metrics export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled,omitempty"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint,omitempty"`
	OTLPInsecure   bool          `yaml:"otlpInsecure,omitempty"`
	MetricInterval time.Duration `yaml:"metricInterval,omitempty"`
	ServiceName    string        `yaml:"serviceName,omitempty"`
	Environment    string        `yaml:"environment,omitempty"`
}

// Provider overlays the section onto the environment-derived defaults.
func (c TelemetryConfig) Provider() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = cfg.Enabled || c.Enabled
	if c.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.OTLPEndpoint
	}
	cfg.OTLPInsecure = cfg.OTLPInsecure || c.OTLPInsecure
	if c.MetricInterval > 0 {
		cfg.MetricInterval = c.MetricInterval
	}
	if c.ServiceName != "" {
		cfg.ServiceName = c.ServiceName
	}
	if c.Environment != "" {
		cfg.Environment = c.Environment
	}
	return cfg
}

// ControlConfig enables the HTTP control API. An empty address disables it.
type ControlConfig struct {
	Addr              string        `yaml:"addr,omitempty"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout,omitempty"`
}

// AdapterSpec declares a provider or consumer instance.
type AdapterSpec struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Filter Filter         `yaml:"filter,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`

	// Line is the document line the entry starts on, zero when built in code.
	Line int `yaml:"-"`
}

// UnmarshalYAML records the entry line for error reporting.
func (s *AdapterSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain AdapterSpec
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*s = AdapterSpec(decoded)
	s.Line = node.Line
	return nil
}

// Filter narrows the stream an adapter sees.
type Filter struct {
	MessageTypes []int  `yaml:"messageTypes,omitempty,flow"`
	Expression   string `yaml:"expression,omitempty"`
}

// IsZero lets yaml omit empty filters.
func (f Filter) IsZero() bool {
	return len(f.MessageTypes) == 0 && strings.TrimSpace(f.Expression) == ""
}

// Apply derives the filtered view of s: message types first, then the expression.
func (f Filter) Apply(s *stream.Stream) (*stream.Stream, error) {
	view := s
	if len(f.MessageTypes) > 0 {
		view = view.FilterOnMessageType(f.MessageTypes...)
	}
	if expr := strings.TrimSpace(f.Expression); expr != "" {
		filtered, err := view.FilterExpression(expr)
		if err != nil {
			return nil, err
		}
		view = filtered
	}
	return view, nil
}

func (d *Document) normalise() {
	d.Log.Level = strings.ToLower(strings.TrimSpace(d.Log.Level))
	d.Log.Service = strings.TrimSpace(d.Log.Service)
	d.Telemetry.OTLPEndpoint = strings.TrimSpace(d.Telemetry.OTLPEndpoint)
	d.Telemetry.ServiceName = strings.TrimSpace(d.Telemetry.ServiceName)
	d.Telemetry.Environment = strings.ToLower(strings.TrimSpace(d.Telemetry.Environment))
	d.Control.Addr = strings.TrimSpace(d.Control.Addr)
	for i := range d.Providers {
		d.Providers[i].normalise()
	}
	for i := range d.Consumers {
		d.Consumers[i].normalise()
	}
}

func (s *AdapterSpec) normalise() {
	s.Name = strings.TrimSpace(s.Name)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.Filter.Expression = strings.TrimSpace(s.Filter.Expression)
}
