// Package archive stores delivered packets in the postgres packet archive.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	"github.com/coachpo/aisbus/internal/infra/persistence/migrations"
	"github.com/coachpo/aisbus/internal/infra/persistence/postgres"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Type is the registry tag of the archive consumer.
const Type = "postgres"

const (
	defaultWriteTimeout = 5 * time.Second
	defaultBatchSize    = 1
)

// Archiver persists packets under a stream label.
type Archiver interface {
	InsertBatch(ctx context.Context, stream string, packets []*packet.Packet) (int64, error)
}

// Options configures the archive consumer.
type Options struct {
	Name           string
	DSN            string
	Stream         string
	Migrate        bool
	MigrationsPath string
	MaxConns       int32
	BatchSize      int
	WriteTimeout   time.Duration
}

// Consumer buffers delivered packets and writes them in batches.
type Consumer struct {
	opts     Options
	log      zerolog.Logger
	archiver Archiver
	store    *postgres.Store

	mu      sync.Mutex
	pending []*packet.Packet
	written int64
}

// Factory builds archive consumers from a consumer spec.
func Factory(spec consumer.Spec) (consumer.Consumer, error) {
	dsn, err := settings.Require(spec.Config, "dsn")
	if err != nil {
		return nil, errs.New("consumer.postgres", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", spec.Name))
	}
	opts := Options{
		Name:           spec.Name,
		DSN:            dsn,
		Stream:         settings.StringOr(spec.Config, "stream", spec.Name),
		Migrate:        true,
		MigrationsPath: settings.StringOr(spec.Config, "migrationsPath", ""),
	}
	if v, ok := settings.Bool(spec.Config, "migrate"); ok {
		opts.Migrate = v
	}
	if v, ok := settings.Int(spec.Config, "maxConns"); ok && v > 0 {
		opts.MaxConns = int32(v)
	}
	if v, ok := settings.Int(spec.Config, "batchSize"); ok {
		opts.BatchSize = v
	}
	if v, ok := settings.Duration(spec.Config, "writeTimeout"); ok {
		opts.WriteTimeout = v
	}
	return New(opts, nil, aislog.WithComponent("consumer.postgres")), nil
}

// New creates an archive consumer. A nil archiver is opened from DSN during Init.
func New(opts Options, archiver Archiver, logger zerolog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Stream == "" {
		opts.Stream = opts.Name
	}
	return &Consumer{
		opts:     opts,
		log:      logger.With().Str(aislog.FieldConsumer, opts.Name).Logger(),
		archiver: archiver,
		pending:  make([]*packet.Packet, 0, opts.BatchSize),
	}
}

// Name implements consumer.Consumer.
func (c *Consumer) Name() string { return c.opts.Name }

// Written returns the number of archived packets.
func (c *Consumer) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Init applies migrations and connects the pool unless an archiver was injected.
func (c *Consumer) Init(ctx context.Context) error {
	if c.archiver != nil {
		return nil
	}
	if c.opts.Migrate {
		if err := migrations.Apply(ctx, c.opts.DSN, c.opts.MigrationsPath, c.log); err != nil {
			return fmt.Errorf("archive migrations: %w", err)
		}
	}
	store, err := postgres.Open(ctx, c.opts.DSN, c.opts.MaxConns, c.opts.Name)
	if err != nil {
		return err
	}
	c.store = store
	c.archiver = store.Packets
	return nil
}

// Attach subscribes to s.
func (c *Consumer) Attach(s *stream.Stream) (*stream.Subscription, error) {
	if c.archiver == nil {
		return nil, errs.New("consumer.postgres", errs.CodeIllegalState, errs.WithMessage("archive not initialised"))
	}
	return s.SubscribePackets(c)
}

// Accept implements stream.PacketConsumer. A failed write faults the subscription.
func (c *Consumer) Accept(ctx context.Context, p *packet.Packet) (stream.Outcome, error) {
	c.mu.Lock()
	c.pending = append(c.pending, p)
	full := len(c.pending) >= c.opts.BatchSize
	c.mu.Unlock()
	if !full {
		return stream.Continue, nil
	}
	if err := c.flush(ctx); err != nil {
		return stream.Continue, err
	}
	return stream.Continue, nil
}

// End writes any buffered packets.
func (c *Consumer) End(cause error) {
	if err := c.flush(context.Background()); err != nil {
		c.log.Error().Err(err).Msg("archive final flush failed")
	}
	event := c.log.Info()
	if cause != nil {
		event = c.log.Warn().Err(cause)
	}
	event.Int64("packets", c.Written()).Msg("archive consumer finished")
}

func (c *Consumer) flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = make([]*packet.Packet, 0, c.opts.BatchSize)
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
	defer cancel()
	n, err := c.archiver.InsertBatch(writeCtx, c.opts.Stream, batch)
	c.mu.Lock()
	c.written += n
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("archive %d packets: %w", len(batch), err)
	}
	return nil
}

// Close releases the pool.
func (c *Consumer) Close(context.Context) error {
	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
	return nil
}
