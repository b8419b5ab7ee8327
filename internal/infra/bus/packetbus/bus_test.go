package packetbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, WithLogger(zerolog.Nop()))
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return b
}

func typed(typ, seq int, source string) *packet.Packet {
	return packet.New([]byte(fmt.Sprintf("!AIVDM,%d", seq)),
		packet.WithMessage(packet.Decoded{ID: typ}),
		packet.WithSource(source),
		packet.WithFields(map[string]any{"seq": seq}))
}

type collector struct {
	mu      sync.Mutex
	packets []*packet.Packet
	ends    atomic.Int32
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) Accept(_ context.Context, p *packet.Packet) (stream.Outcome, error) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return stream.Continue, nil
}

func (c *collector) End(error) { c.ends.Add(1) }

func (c *collector) seqs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.packets))
	for _, p := range c.packets {
		v, _ := p.Field("seq")
		out = append(out, v.(int))
	}
	return out
}

func (c *collector) await(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("received %d of %d packets", i, n)
		}
	}
}

func TestInitRejectsInvalidTunables(t *testing.T) {
	cases := []Config{
		{QueueSize: 0, PullBatchSize: 1},
		{QueueSize: 1, PullBatchSize: 0},
		{QueueSize: -1, PullBatchSize: 1},
		{QueueSize: 1, PullBatchSize: 1, StreamBufferSize: -1},
		{QueueSize: 1, PullBatchSize: 1, StreamSendTimeout: -time.Second},
	}
	for _, cfg := range cases {
		b := New(cfg, WithLogger(zerolog.Nop()))
		err := b.Init()
		if !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("Init(%+v) = %v, want configuration error", cfg, err)
		}
		if b.State() != StateCreated {
			t.Fatalf("expected bus to stay created, got %s", b.State())
		}
	}
}

func TestRegistryErrors(t *testing.T) {
	b := New(DefaultConfig(), WithLogger(zerolog.Nop()))
	consumer := stream.New("c", stream.RoleConsumer)
	if err := b.RegisterConsumer(consumer); !errors.Is(err, errs.ErrIllegalState) {
		t.Fatalf("register before init: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Init(); !errors.Is(err, errs.ErrIllegalState) {
		t.Fatalf("second init: %v", err)
	}

	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	if err := b.RegisterConsumer(consumer.FilterOnMessageType(1)); !errors.Is(err, errs.ErrAlreadyRegistered) {
		t.Fatalf("duplicate registration: %v", err)
	}
	if err := b.RegisterProvider(consumer); !errors.Is(err, errs.ErrInvalidOperation) {
		t.Fatalf("consumer as provider: %v", err)
	}
	provider := stream.New("p", stream.RoleProvider)
	if err := b.RegisterConsumer(provider); !errors.Is(err, errs.ErrInvalidOperation) {
		t.Fatalf("provider as consumer: %v", err)
	}
	if err := b.Deregister(context.Background(), provider); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("deregister unknown: %v", err)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := b.RegisterProvider(provider); !errors.Is(err, errs.ErrIllegalState) {
		t.Fatalf("register after stop: %v", err)
	}
	if err := b.Add(context.Background(), typed(1, 0, "x")); !errors.Is(err, errs.ErrBusClosed) {
		t.Fatalf("add after stop: %v", err)
	}
	if err := b.Start(); !errors.Is(err, errs.ErrBusClosed) {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestFirstAddStartsBus(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	if b.State() != StateInitialized {
		t.Fatalf("expected initialized, got %s", b.State())
	}
	if err := b.Add(context.Background(), typed(1, 0, "x")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("expected running, got %s", b.State())
	}
}

func TestFilteredScenarioAcrossBatches(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 10, PullBatchSize: 4, StreamBufferSize: 16, StreamSendTimeout: time.Second})

	provider := stream.New("feed", stream.RoleProvider)
	consumer := stream.New("positions", stream.RoleConsumer)
	if err := b.RegisterProvider(provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	got := newCollector()
	if _, err := consumer.FilterOnMessageType(1).SubscribePackets(got); err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		typ := 1
		if i%2 == 1 {
			typ = 5
		}
		if err := provider.Add(context.Background(), typed(typ, i, "feed")); err != nil {
			t.Fatalf("Add(%d) error = %v", i, err)
		}
	}
	got.await(t, 5)

	want := []int{0, 2, 4, 6, 8}
	seqs := got.seqs()
	if fmt.Sprint(seqs) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, seqs)
	}
	for _, p := range got.packets {
		if p.MessageType() != 1 {
			t.Fatalf("received message type %d", p.MessageType())
		}
	}
}

func TestRegisteredStreamChainGatesDelivery(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	base := stream.New("base", stream.RoleConsumer)
	registered := base.FilterOnMessageType(1, 2, 3)
	if err := b.RegisterConsumer(registered); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	all := newCollector()
	if _, err := base.SubscribePackets(all); err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}
	for i, typ := range []int{1, 4, 2, 18, 3} {
		if err := b.Add(context.Background(), typed(typ, i, "x")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	all.await(t, 3)
	if got := fmt.Sprint(all.seqs()); got != "[0 2 4]" {
		t.Fatalf("unexpected deliveries %s", got)
	}
}

func TestPerProducerOrdering(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 8, PullBatchSize: 3, StreamBufferSize: 4, StreamSendTimeout: 5 * time.Second})
	consumer := stream.New("all", stream.RoleConsumer)
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	got := newCollector()
	if _, err := consumer.SubscribePackets(got); err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		provider := stream.New(fmt.Sprintf("p%d", p), stream.RoleProvider)
		if err := b.RegisterProvider(provider); err != nil {
			t.Fatalf("RegisterProvider() error = %v", err)
		}
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := provider.Add(context.Background(), typed(1, i, src)); err != nil {
					t.Errorf("Add() error = %v", err)
					return
				}
			}
		}(provider.Name())
	}
	wg.Wait()
	got.await(t, producers*perProducer)

	last := map[string]int{}
	got.mu.Lock()
	defer got.mu.Unlock()
	for _, p := range got.packets {
		v, _ := p.Field("seq")
		seq := v.(int)
		prev, seen := last[p.Source()]
		if seen && seq != prev+1 {
			t.Fatalf("source %s: seq %d after %d", p.Source(), seq, prev)
		}
		if !seen && seq != 0 {
			t.Fatalf("source %s started at %d", p.Source(), seq)
		}
		last[p.Source()] = seq
	}
}

func TestCancelDuringDeliveryStopsFurtherPackets(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	consumer := stream.New("c", stream.RoleConsumer)
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}

	var (
		subRef   atomic.Pointer[stream.Subscription]
		received atomic.Int32
		ends     atomic.Int32
	)
	ready := make(chan struct{})
	consumerFn := struct {
		stream.PacketConsumer
		stream.Ender
	}{
		stream.PacketFunc(func(context.Context, *packet.Packet) (stream.Outcome, error) {
			<-ready
			if received.Add(1) == 3 {
				subRef.Load().Cancel()
			}
			return stream.Continue, nil
		}),
		endFunc(func(error) { ends.Add(1) }),
	}
	sub, err := consumer.SubscribePackets(consumerFn)
	if err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}
	subRef.Store(sub)
	close(ready)

	for i := 0; i < 20; i++ {
		if err := b.Add(context.Background(), typed(1, i, "x")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.AwaitCancelled(ctx); err != nil {
		t.Fatalf("AwaitCancelled() error = %v", err)
	}
	if got := received.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	if got := ends.Load(); got != 1 {
		t.Fatalf("expected one End, got %d", got)
	}
}

type endFunc func(error)

func (f endFunc) End(cause error) { f(cause) }

func TestSlowStreamDoesNotStallOthers(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 4, PullBatchSize: 2, StreamBufferSize: 1, StreamSendTimeout: 0})

	release := make(chan struct{})
	slow := stream.New("slow", stream.RoleConsumer)
	fast := stream.New("fast", stream.RoleConsumer)
	for _, s := range []*stream.Stream{slow, fast} {
		if err := b.RegisterConsumer(s); err != nil {
			t.Fatalf("RegisterConsumer() error = %v", err)
		}
	}
	if _, err := slow.SubscribePackets(stream.PacketFunc(func(context.Context, *packet.Packet) (stream.Outcome, error) {
		<-release
		return stream.Continue, nil
	})); err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}
	got := newCollector()
	if _, err := fast.SubscribePackets(got); err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := b.Add(context.Background(), typed(1, i, "x")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		got.await(t, 1)
	}
	close(release)

	stats := b.Stats()
	var slowStats StreamStats
	for _, s := range stats.Consumers {
		if s.Name == "slow" {
			slowStats = s
		}
	}
	if slowStats.Dropped == 0 {
		t.Fatalf("expected drops on slow stream, got %+v", stats)
	}
	if stats.Enqueued != 50 {
		t.Fatalf("expected 50 enqueued, got %d", stats.Enqueued)
	}
}

func TestScriptFiltersOnParallelStreamsShareNoState(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 256, PullBatchSize: 16, StreamBufferSize: 256, StreamSendTimeout: time.Second})

	shared := packet.New([]byte("!AIVDM,shared"),
		packet.WithMessageType(1),
		packet.WithFields(map[string]any{"pos": map[string]any{"n": 0}}))

	collectors := make([]*collector, 0, 2)
	for _, name := range []string{"left", "right"} {
		root := stream.New(name, stream.RoleConsumer)
		if err := b.RegisterConsumer(root); err != nil {
			t.Fatalf("RegisterConsumer() error = %v", err)
		}
		view, err := root.FilterExpression("js: (fields.pos.n = (fields.pos.n || 0) + 1, true)")
		if err != nil {
			t.Fatalf("FilterExpression() error = %v", err)
		}
		c := newCollector()
		if _, err := view.SubscribePackets(c); err != nil {
			t.Fatalf("SubscribePackets() error = %v", err)
		}
		collectors = append(collectors, c)
	}

	const adds = 200
	for i := 0; i < adds; i++ {
		if err := b.Add(context.Background(), shared); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	for _, c := range collectors {
		c.await(t, adds)
	}

	if v, _ := shared.Field("pos.n"); v != 0 {
		t.Fatalf("expected pos.n to stay 0, got %v", v)
	}
}

func TestStopUnblocksBlockedAdder(t *testing.T) {
	b := New(Config{QueueSize: 1, PullBatchSize: 1, StreamBufferSize: 1, StreamSendTimeout: time.Minute},
		WithLogger(zerolog.Nop()))
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	consumer := stream.New("stalled", stream.RoleConsumer)
	provider := stream.New("feed", stream.RoleProvider)
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	if err := b.RegisterProvider(provider); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	ended := make(chan error, 1)
	sub, err := consumer.SubscribePackets(struct {
		stream.PacketConsumer
		stream.Ender
	}{
		stream.PacketFunc(func(context.Context, *packet.Packet) (stream.Outcome, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return stream.Continue, nil
		}),
		endFunc(func(cause error) { ended <- cause }),
	})
	if err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}

	addErr := make(chan error, 1)
	go func() {
		for i := 0; i < 10; i++ {
			if err := provider.Add(context.Background(), typed(1, i, "feed")); err != nil {
				addErr <- err
				return
			}
		}
		addErr <- nil
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never received a packet")
	}
	deadline := time.Now().Add(5 * time.Second)
	for b.Stats().QueueDepth < 1 {
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-addErr:
		t.Fatalf("adder finished before stop: %v", err)
	default:
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- b.Stop(ctx)
	}()

	select {
	case err := <-addErr:
		if !errors.Is(err, errs.ErrBusClosed) {
			t.Fatalf("expected BusClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("adder stayed blocked after stop")
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if cause := <-ended; cause != nil {
		t.Fatalf("expected nil end cause, got %v", cause)
	}
	if sub.State() != stream.StateCancelled {
		t.Fatalf("expected cancelled subscription, got %s", sub.State())
	}
	if b.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", b.State())
	}
}

func TestStopPastDeadlineStillEndsSubscriptions(t *testing.T) {
	b := New(DefaultConfig(), WithLogger(zerolog.Nop()))
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	root := stream.New("gated", stream.RoleConsumer)
	gated := root.Filter(func(*packet.Packet) bool {
		once.Do(func() { close(entered) })
		<-release
		return true
	})
	if err := b.RegisterConsumer(gated); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	ended := make(chan error, 1)
	sub, err := root.SubscribePackets(struct {
		stream.PacketConsumer
		stream.Ender
	}{
		stream.PacketFunc(func(context.Context, *packet.Packet) (stream.Outcome, error) {
			return stream.Continue, nil
		}),
		endFunc(func(cause error) { ended <- cause }),
	})
	if err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}
	defer close(release)

	if err := b.Add(context.Background(), typed(1, 0, "x")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("distribution loop never evaluated the filter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	select {
	case cause := <-ended:
		if cause != nil {
			t.Fatalf("expected nil end cause, got %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never ended after stop deadline")
	}
	if sub.State() != stream.StateCancelled {
		t.Fatalf("expected cancelled subscription, got %s", sub.State())
	}
	if b.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", b.State())
	}
}

func TestDeregisterConsumerEndsSubscriptions(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	consumer := stream.New("c", stream.RoleConsumer)
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("RegisterConsumer() error = %v", err)
	}
	got := newCollector()
	sub, err := consumer.SubscribePackets(got)
	if err != nil {
		t.Fatalf("SubscribePackets() error = %v", err)
	}
	if err := b.Deregister(context.Background(), consumer); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if sub.State() != stream.StateCancelled || got.ends.Load() != 1 {
		t.Fatalf("expected cancelled subscription with one End, got %s/%d", sub.State(), got.ends.Load())
	}
	if err := b.Add(context.Background(), typed(1, 0, "x")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(got.seqs()) != 0 {
		t.Fatal("deregistered stream received a packet")
	}

	// the stream can be registered again
	if err := b.RegisterConsumer(consumer); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}
