package packetbus

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
	"github.com/coachpo/aisbus/internal/infra/telemetry"
)

// worker owns delivery for one registered consumer stream. The distribution
// loop only ever hands it packets through inbox, so a slow subscriber stalls
// nothing but its own stream.
type worker struct {
	bus    *Bus
	stream *stream.Stream
	log    zerolog.Logger
	drops  zerolog.Logger

	inbox  chan *packet.Packet
	wake   chan struct{}
	quit   chan struct{} // deregistered: discard buffered packets
	finish chan struct{} // bus stopping: flush buffered packets
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newWorker(b *Bus, s *stream.Stream) *worker {
	logger := b.log.With().Str(aislog.FieldStream, s.Name()).Logger()
	return &worker{
		bus:    b,
		stream: s,
		log:    logger,
		drops:  logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
		inbox:  make(chan *packet.Packet, b.cfg.StreamBufferSize),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		finish: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *worker) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case p := <-w.inbox:
			w.deliver(p)
		case <-w.wake:
			w.stream.Sweep()
		case <-w.quit:
			w.stream.CancelAll()
			w.stream.Detach()
			w.stream.Sweep()
			return
		case <-w.finish:
			for {
				select {
				case p := <-w.inbox:
					w.deliver(p)
				default:
					w.stream.Detach()
					w.stream.Close()
					return
				}
			}
		}
	}
}

func (w *worker) deliver(p *packet.Packet) {
	start := time.Now()
	report := w.stream.Deliver(w.bus.ctx, p)
	w.delivered.Add(uint64(report.Delivered))
	if report.Faults > 0 {
		w.log.Warn().Int("faults", report.Faults).Msg("subscription cancelled after callback fault")
	}
	w.bus.inst.recordDelivery(w.bus.ctx, w.stream.Name(), report.Delivered, report.Faults,
		float64(time.Since(start).Microseconds())/1000)
}

// offer hands p to the worker, waiting up to timeout on a full buffer. A closed
// stop channel turns the wait into a non-blocking attempt.
func (w *worker) offer(p *packet.Packet, timeout time.Duration, stop <-chan struct{}) bool {
	select {
	case w.inbox <- p:
		return true
	default:
	}
	reason := telemetry.ReasonBufferFull
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case w.inbox <- p:
			return true
		case <-timer.C:
		case <-stop:
			reason = telemetry.ReasonStopping
		case <-w.quit:
			reason = telemetry.ReasonDetached
		}
	}
	n := w.dropped.Add(1)
	w.bus.inst.recordDrop(w.bus.ctx, w.stream.Name(), reason)
	w.drops.Warn().
		Str("reason", reason).
		Uint64("dropped_total", n).
		Int(aislog.FieldMessageType, p.MessageType()).
		Msg("stream buffer full; packet dropped")
	return false
}

func (w *worker) buffered() int { return len(w.inbox) }
