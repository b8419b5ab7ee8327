// Package logsink logs one structured line per delivered packet.
package logsink

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Type is the registry tag of the log consumer.
const Type = "log"

// Options configures the log consumer.
type Options struct {
	Name  string
	Level zerolog.Level
	// Limit unsubscribes after this many packets; zero logs forever.
	Limit  int
	Fields bool
}

// Consumer writes packets to a zerolog logger.
type Consumer struct {
	opts   Options
	log    zerolog.Logger
	logged atomic.Int64
}

// Factory builds log consumers from a consumer spec.
func Factory(spec consumer.Spec) (consumer.Consumer, error) {
	opts := Options{Name: spec.Name, Level: zerolog.InfoLevel}
	if raw, ok := settings.String(spec.Config, "level"); ok {
		level, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil || level == zerolog.NoLevel {
			return nil, errs.New("consumer.log", errs.CodeConfiguration,
				errs.WithMessage("unknown log level"), errs.WithField("level", raw))
		}
		opts.Level = level
	}
	if v, ok := settings.Int(spec.Config, "limit"); ok {
		if v < 0 {
			return nil, errs.New("consumer.log", errs.CodeConfiguration, errs.WithMessage("limit must not be negative"))
		}
		opts.Limit = v
	}
	if v, ok := settings.Bool(spec.Config, "fields"); ok {
		opts.Fields = v
	}
	return New(opts, aislog.WithComponent("consumer.log")), nil
}

// New creates a log consumer.
func New(opts Options, logger zerolog.Logger) *Consumer {
	return &Consumer{
		opts: opts,
		log:  logger.With().Str(aislog.FieldConsumer, opts.Name).Logger(),
	}
}

// Name implements consumer.Consumer.
func (c *Consumer) Name() string { return c.opts.Name }

// Init implements consumer.Consumer.
func (c *Consumer) Init(context.Context) error { return nil }

// Logged returns the number of packets written.
func (c *Consumer) Logged() int64 { return c.logged.Load() }

// Attach subscribes to s.
func (c *Consumer) Attach(s *stream.Stream) (*stream.Subscription, error) {
	return s.SubscribePackets(c)
}

// Accept implements stream.PacketConsumer.
func (c *Consumer) Accept(_ context.Context, p *packet.Packet) (stream.Outcome, error) {
	event := c.log.WithLevel(c.opts.Level).
		Str(aislog.FieldSource, p.Source()).
		Time("received", p.Received()).
		Str("raw", p.String())
	if typ := p.MessageType(); typ > 0 {
		event = event.Int(aislog.FieldMessageType, typ)
	}
	if c.opts.Fields {
		if fields := p.Fields(); len(fields) > 0 {
			event = event.Fields(fields)
		}
	}
	event.Msg("packet")

	n := c.logged.Add(1)
	if c.opts.Limit > 0 && n >= int64(c.opts.Limit) {
		return stream.Unsubscribe, nil
	}
	return stream.Continue, nil
}

// End implements stream.Ender.
func (c *Consumer) End(cause error) {
	event := c.log.Info()
	if cause != nil {
		event = c.log.Warn().Err(cause)
	}
	event.Int64("packets", c.logged.Load()).Msg("log consumer finished")
}

// Close implements consumer.Consumer.
func (c *Consumer) Close(context.Context) error { return nil }
