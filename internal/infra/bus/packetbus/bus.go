// Package packetbus implements the distribution core: a bounded ingress queue,
// the provider and consumer stream registry, and the drain and fan-out loop.
package packetbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// State is the bus lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMeter sets the meter used for bus instruments.
func WithMeter(m metric.Meter) Option {
	return func(b *Bus) {
		if m != nil {
			b.meter = m
		}
	}
}

// Bus relays packets from provider streams to consumer streams.
type Bus struct {
	cfg   Config
	log   zerolog.Logger
	meter metric.Meter
	inst  instruments

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     atomic.Int32
	queue     *queue
	providers map[string]*stream.Stream
	consumers map[string]*worker
	snapshot  atomic.Pointer[[]*worker]

	loop     conc.WaitGroup
	workers  conc.WaitGroup
	stopOnce sync.Once
	stopErr  error

	enqueued atomic.Uint64
	drained  atomic.Uint64
	dropped  atomic.Uint64 // drops from deregistered streams
}

// New constructs a bus in the CREATED state.
func New(cfg Config, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:       cfg.normalise(),
		log:       aislog.WithComponent("packetbus"),
		meter:     otel.Meter("packetbus"),
		ctx:       ctx,
		cancel:    cancel,
		providers: make(map[string]*stream.Stream),
		consumers: make(map[string]*worker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	empty := []*worker{}
	b.snapshot.Store(&empty)
	b.inst = newInstruments(b.meter, func() int64 { return int64(b.queueDepth()) })
	return b
}

// Config returns the normalised tunables.
func (b *Bus) Config() Config { return b.cfg }

// State returns the current lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Init validates the tunables and allocates the ingress queue.
func (b *Bus) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initLocked()
}

func (b *Bus) initLocked() error {
	if st := b.State(); st != StateCreated {
		return errs.New("packetbus", errs.CodeIllegalState,
			errs.WithMessage("init requires a created bus"),
			errs.WithField("state", st.String()))
	}
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	b.queue = newQueue(b.cfg.QueueSize)
	b.transition(StateInitialized)
	return nil
}

// Start launches the distribution loop. A created bus is initialised first.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.State() {
	case StateCreated:
		if err := b.initLocked(); err != nil {
			return err
		}
	case StateRunning:
		return nil
	case StateStopped:
		return errBusClosed()
	}
	b.transition(StateRunning)
	b.loop.Go(b.run)
	return nil
}

func (b *Bus) transition(next State) {
	prev := State(b.state.Swap(int32(next)))
	b.log.Info().
		Str(aislog.FieldOldState, prev.String()).
		Str(aislog.FieldNewState, next.String()).
		Int("queue_size", b.cfg.QueueSize).
		Int("pull_batch_size", b.cfg.PullBatchSize).
		Msg("bus state changed")
}

// Add enqueues p, blocking while the queue is full. The first Add starts the bus.
func (b *Bus) Add(ctx context.Context, p *packet.Packet) error {
	if p == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.State() != StateRunning {
		if err := b.Start(); err != nil {
			return err
		}
	}
	if err := b.queue.put(ctx, p); err != nil {
		if errors.Is(err, errQueueClosed) {
			return errBusClosed()
		}
		return fmt.Errorf("packetbus add: %w", err)
	}
	b.enqueued.Add(1)
	b.inst.recordEnqueued(ctx)
	return nil
}

// Enqueue implements stream.Ingress.
func (b *Bus) Enqueue(ctx context.Context, p *packet.Packet) error {
	return b.Add(ctx, p)
}

// RegisterProvider binds a provider stream to the ingress queue.
func (b *Bus) RegisterProvider(s *stream.Stream) error {
	if err := b.checkStream(s, stream.RoleProvider); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRegistrable(s); err != nil {
		return err
	}
	if err := s.AttachIngress(b); err != nil {
		return err
	}
	b.providers[s.ID()] = s
	b.log.Debug().Str(aislog.FieldStream, s.Name()).Msg("provider stream registered")
	return nil
}

// RegisterConsumer binds a consumer stream to its own delivery worker. The
// stream's chain gates every packet before any subscription sees it.
func (b *Bus) RegisterConsumer(s *stream.Stream) error {
	if err := b.checkStream(s, stream.RoleConsumer); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRegistrable(s); err != nil {
		return err
	}
	w := newWorker(b, s)
	if err := s.AttachWorker(w.wakeup); err != nil {
		return err
	}
	b.consumers[s.ID()] = w
	b.publishSnapshot()
	b.workers.Go(w.run)
	b.log.Debug().Str(aislog.FieldStream, s.Name()).Int("depth", s.Depth()).Msg("consumer stream registered")
	return nil
}

// Deregister removes a stream. Consumer subscriptions are cancelled and the
// call waits for the stream worker to finish, bounded by ctx.
func (b *Bus) Deregister(ctx context.Context, s *stream.Stream) error {
	if s == nil {
		return errs.New("packetbus", errs.CodeInvalid, errs.WithMessage("stream required"))
	}
	b.mu.Lock()
	if st := b.State(); st != StateInitialized && st != StateRunning {
		b.mu.Unlock()
		return errIllegalState(st)
	}
	if p, ok := b.providers[s.ID()]; ok {
		delete(b.providers, s.ID())
		b.mu.Unlock()
		p.Detach()
		return nil
	}
	w, ok := b.consumers[s.ID()]
	if !ok {
		b.mu.Unlock()
		return errs.New("packetbus", errs.CodeNotFound,
			errs.WithMessage("stream not registered"),
			errs.WithField("stream", s.Name()))
	}
	delete(b.consumers, s.ID())
	b.publishSnapshot()
	b.mu.Unlock()

	close(w.quit)
	defer func() { b.dropped.Add(w.dropped.Load()) }()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deregister %s: %w", s.Name(), ctx.Err())
	}
}

func (b *Bus) checkStream(s *stream.Stream, role stream.Role) error {
	if s == nil {
		return errs.New("packetbus", errs.CodeInvalid, errs.WithMessage("stream required"))
	}
	if s.Role() != role {
		return errs.New("packetbus", errs.CodeInvalidOperation,
			errs.WithMessage("stream role mismatch"),
			errs.WithField("stream", s.Name()),
			errs.WithField("expected", role.String()),
			errs.WithField("actual", s.Role().String()))
	}
	return nil
}

func (b *Bus) checkRegistrable(s *stream.Stream) error {
	if st := b.State(); st != StateInitialized && st != StateRunning {
		return errIllegalState(st)
	}
	_, isProvider := b.providers[s.ID()]
	_, isConsumer := b.consumers[s.ID()]
	if isProvider || isConsumer {
		return errs.New("packetbus", errs.CodeAlreadyRegistered,
			errs.WithField("stream", s.Name()))
	}
	return nil
}

func (b *Bus) publishSnapshot() {
	list := make([]*worker, 0, len(b.consumers))
	for _, w := range b.consumers {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].stream.Name() < list[j].stream.Name() })
	b.snapshot.Store(&list)
}

func (b *Bus) run() {
	batch := make([]*packet.Packet, 0, b.cfg.PullBatchSize)
	for {
		var open bool
		batch, open = b.queue.take(batch, b.cfg.PullBatchSize)
		if len(batch) > 0 {
			b.distribute(batch)
		}
		if !open {
			return
		}
	}
}

// distribute offers every packet, in drain order, to every consumer stream
// whose chain accepts it.
func (b *Bus) distribute(batch []*packet.Packet) {
	workers := *b.snapshot.Load()
	stop := b.queue.closed()
	for i, p := range batch {
		for _, w := range workers {
			if w.stream.Accepts(p) {
				w.offer(p, b.cfg.StreamSendTimeout, stop)
			}
		}
		batch[i] = nil
	}
	b.drained.Add(uint64(len(batch)))
	b.inst.recordBatch(b.ctx, len(batch))
}

// Stop is terminal. Blocked adders fail with BusClosed, queued packets are
// handed out best-effort, every subscription ends with a nil cause, and Stop
// waits for the stream workers within ctx. Streams are finished even when ctx
// expires first; the error is then reported.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { b.stopErr = b.stop(ctx) })
	return b.stopErr
}

func (b *Bus) stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.State() == StateStopped {
		b.mu.Unlock()
		return nil
	}
	b.transition(StateStopped)
	q := b.queue
	providers := make([]*stream.Stream, 0, len(b.providers))
	for _, p := range b.providers {
		providers = append(providers, p)
	}
	b.mu.Unlock()

	defer b.cancel()
	var loopErr error
	if q != nil {
		q.close()
		if err := waitWithin(ctx, b.loop.Wait); err != nil {
			loopErr = fmt.Errorf("stop distribution loop: %w", err)
			b.log.Warn().Err(err).Msg("distribution loop still running; ending streams without draining")
		} else if rest := q.drain(); len(rest) > 0 {
			b.log.Debug().Int("packets", len(rest)).Msg("draining queued packets on stop")
			b.distribute(rest)
		}
	}
	for _, p := range providers {
		p.Detach()
	}

	b.mu.Lock()
	workers := make([]*worker, 0, len(b.consumers))
	for _, w := range b.consumers {
		workers = append(workers, w)
	}
	b.mu.Unlock()
	for _, w := range workers {
		close(w.finish)
	}
	if err := waitWithin(ctx, func() {
		if r := b.workers.WaitAndRecover(); r != nil {
			b.log.Error().Str("panic", r.String()).Msg("stream worker panicked")
		}
	}); err != nil {
		return errors.Join(loopErr, fmt.Errorf("stop stream workers: %w", err))
	}
	if loopErr != nil {
		return loopErr
	}
	b.log.Info().
		Uint64("enqueued", b.enqueued.Load()).
		Uint64("drained", b.drained.Load()).
		Msg("bus stopped")
	return nil
}

func waitWithin(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) queueDepth() int {
	b.mu.Lock()
	q := b.queue
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

// StreamStats describes one registered consumer stream.
type StreamStats struct {
	Name          string
	Buffered      int
	Delivered     uint64
	Dropped       uint64
	Subscriptions int
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	State      State
	Enqueued   uint64
	Drained    uint64
	Dropped    uint64
	QueueDepth int
	Providers  int
	Consumers  []StreamStats
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	stats := Stats{
		State:     b.State(),
		Enqueued:  b.enqueued.Load(),
		Drained:   b.drained.Load(),
		Dropped:   b.dropped.Load(),
		Providers: len(b.providers),
	}
	if b.queue != nil {
		stats.QueueDepth = b.queue.len()
	}
	b.mu.Unlock()

	for _, w := range *b.snapshot.Load() {
		s := StreamStats{
			Name:          w.stream.Name(),
			Buffered:      w.buffered(),
			Delivered:     w.delivered.Load(),
			Dropped:       w.dropped.Load(),
			Subscriptions: w.stream.Subscriptions(),
		}
		stats.Dropped += s.Dropped
		stats.Consumers = append(stats.Consumers, s)
	}
	return stats
}

func errBusClosed() error {
	return errs.New("packetbus", errs.CodeBusClosed, errs.WithMessage("bus stopped"))
}

func errIllegalState(st State) error {
	return errs.New("packetbus", errs.CodeIllegalState,
		errs.WithMessage("bus must be initialized or running"),
		errs.WithField("state", st.String()))
}
