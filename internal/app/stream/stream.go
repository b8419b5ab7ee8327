// Package stream models filterable packet flows and the subscriptions bound to them.
package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/aisbus/internal/app/predicate"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
	aislog "github.com/coachpo/aisbus/internal/log"
)

// Role identifies which side of the bus a stream is attached to.
type Role int

const (
	// RoleProvider streams push packets into the bus.
	RoleProvider Role = iota + 1
	// RoleConsumer streams receive packets from the bus.
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "provider"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// chain is an immutable parent-linked predicate list. Deriving a view adds one node.
type chain struct {
	pred   predicate.Predicate
	parent *chain
}

// eval reports whether p passes every predicate between c and stop (exclusive),
// oldest first.
func (c *chain) eval(p *packet.Packet, stop *chain) bool {
	if c == nil || c == stop {
		return true
	}
	if !c.parent.eval(p, stop) {
		return false
	}
	return c.pred(p)
}

func (c *chain) len() int {
	n := 0
	for node := c; node != nil; node = node.parent {
		n++
	}
	return n
}

// attachment is the delivery point shared by a stream and all views derived from it.
type attachment struct {
	id   string
	name string
	role Role

	mu      sync.Mutex
	ingress Ingress
	wake    func()
	subs    map[string]*Subscription
	closed  bool
}

// Stream is a view over an attachment point with its own predicate chain.
// Streams are safe for concurrent use.
type Stream struct {
	root  *attachment
	chain *chain
}

// New creates a stream with an empty predicate chain.
func New(name string, role Role) *Stream {
	return &Stream{
		root: &attachment{
			id:   uuid.NewString(),
			name: strings.TrimSpace(name),
			role: role,
			subs: make(map[string]*Subscription),
		},
		chain: nil,
	}
}

// ID identifies the attachment point; derived views share it.
func (s *Stream) ID() string { return s.root.id }

// Name returns the stream name.
func (s *Stream) Name() string { return s.root.name }

// Role returns the stream role.
func (s *Stream) Role() Role { return s.root.role }

// Depth returns the number of predicates in this view's chain.
func (s *Stream) Depth() int { return s.chain.len() }

// Filter derives a view whose chain is extended with pred.
func (s *Stream) Filter(pred predicate.Predicate) *Stream {
	if pred == nil {
		return s
	}
	return &Stream{root: s.root, chain: &chain{pred: pred, parent: s.chain}}
}

// FilterExpression compiles expression and derives a filtered view.
func (s *Stream) FilterExpression(expression string) (*Stream, error) {
	pred, err := predicate.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", s.root.name, err)
	}
	return s.Filter(pred), nil
}

// FilterOnMessageType derives a view accepting only the given message types.
func (s *Stream) FilterOnMessageType(types ...int) *Stream {
	return s.Filter(predicate.MessageTypeSet(types...))
}

// Accepts evaluates this view's full chain.
func (s *Stream) Accepts(p *packet.Packet) bool {
	return s.chain.eval(p, nil)
}

// Add pushes a packet into the bus through a provider stream. Packets rejected
// by the view's chain are dropped without error.
func (s *Stream) Add(ctx context.Context, p *packet.Packet) error {
	if s.root.role != RoleProvider {
		return errs.New("stream", errs.CodeInvalidOperation,
			errs.WithMessage("add is only supported on provider streams"),
			errs.WithField("stream", s.root.name),
			errs.WithField("role", s.root.role.String()))
	}
	if p == nil {
		return nil
	}
	if !s.Accepts(p) {
		return nil
	}
	s.root.mu.Lock()
	in := s.root.ingress
	s.root.mu.Unlock()
	if in == nil {
		return errs.New("stream", errs.CodeIllegalState,
			errs.WithMessage("provider stream is not registered"),
			errs.WithField("stream", s.root.name))
	}
	return in.Enqueue(ctx, p)
}

// SubscribePackets binds c to this view.
func (s *Stream) SubscribePackets(c PacketConsumer) (*Subscription, error) {
	if c == nil {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("packet consumer required"))
	}
	begin, end := hooks(c)
	return s.subscribe(nil, c.Accept, begin, end)
}

// SubscribeMessages binds c to this view. Packets without a decoded message are skipped.
func (s *Stream) SubscribeMessages(c MessageConsumer) (*Subscription, error) {
	if c == nil {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("message consumer required"))
	}
	begin, end := hooks(c)
	accept := func(p *packet.Packet) bool {
		_, ok := p.Message()
		return ok
	}
	deliver := func(ctx context.Context, p *packet.Packet) (Outcome, error) {
		msg, _ := p.Message()
		return c.AcceptMessage(ctx, msg)
	}
	return s.subscribe(accept, deliver, begin, end)
}

// SubscribePacketSink serialises every delivered packet through sink into w.
// A write error cancels this subscription only. Writers with a Flush method are
// flushed when the subscription ends; a flush error becomes the end cause when
// there is none.
func (s *Stream) SubscribePacketSink(sink packet.Sink, w io.Writer) (*Subscription, error) {
	if sink == nil || w == nil {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("sink and destination required"))
	}
	deliver := func(_ context.Context, p *packet.Packet) (Outcome, error) {
		if err := sink.Write(w, p); err != nil {
			return Continue, err
		}
		return Continue, nil
	}
	begin, end := hooks(sink)
	if f, ok := w.(flusher); ok {
		inner := end
		name := s.root.name
		end = func(cause error) {
			if err := f.Flush(); err != nil {
				aislog.WithComponent("stream").Warn().
					Err(err).
					Str(aislog.FieldStream, name).
					Msg("flush sink on subscription end")
				if cause == nil {
					cause = errs.New("stream", errs.CodeDelivery,
						errs.WithMessage("flush sink"),
						errs.WithField("stream", name),
						errs.WithCause(err))
				}
			}
			if inner != nil {
				inner(cause)
			}
		}
	}
	return s.subscribe(nil, deliver, begin, end)
}

func (s *Stream) subscribe(accept func(*packet.Packet) bool, deliver deliverFunc, begin func(), end func(error)) (*Subscription, error) {
	if s.root.role != RoleConsumer {
		return nil, errs.New("stream", errs.CodeInvalidOperation,
			errs.WithMessage("subscriptions are only supported on consumer streams"),
			errs.WithField("stream", s.root.name))
	}
	sub := newSubscription(s.root, s.chain, accept, deliver, begin, end)

	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.root.closed {
		return nil, errs.New("stream", errs.CodeIllegalState,
			errs.WithMessage("stream closed"),
			errs.WithField("stream", s.root.name))
	}
	s.root.subs[sub.id] = sub
	return sub, nil
}

// Subscriptions returns the number of subscriptions still in the active set.
func (s *Stream) Subscriptions() int {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return len(s.root.subs)
}

// AttachIngress binds a provider stream to the bus ingress.
func (s *Stream) AttachIngress(in Ingress) error {
	if s.root.role != RoleProvider {
		return errs.New("stream", errs.CodeInvalidOperation,
			errs.WithMessage("ingress requires a provider stream"),
			errs.WithField("stream", s.root.name))
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.root.ingress != nil {
		return errs.New("stream", errs.CodeAlreadyRegistered, errs.WithField("stream", s.root.name))
	}
	s.root.ingress = in
	return nil
}

// AttachWorker binds a consumer stream to the delivery worker that owns
// subscription finalisation. wake is called whenever a subscription is cancelled.
func (s *Stream) AttachWorker(wake func()) error {
	if s.root.role != RoleConsumer {
		return errs.New("stream", errs.CodeInvalidOperation,
			errs.WithMessage("delivery worker requires a consumer stream"),
			errs.WithField("stream", s.root.name))
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.root.wake != nil {
		return errs.New("stream", errs.CodeAlreadyRegistered, errs.WithField("stream", s.root.name))
	}
	if s.root.closed {
		return errs.New("stream", errs.CodeIllegalState, errs.WithMessage("stream closed"))
	}
	s.root.wake = wake
	return nil
}

// Detach releases the ingress or worker binding.
func (s *Stream) Detach() {
	s.root.mu.Lock()
	s.root.ingress = nil
	s.root.wake = nil
	s.root.mu.Unlock()
}

// Report summarises one Deliver call.
type Report struct {
	Delivered int
	Faults    int
}

// Deliver hands p to every active subscription whose view accepts it. The
// caller must already have checked s.Accepts(p); predicates belonging to s's
// own chain are not re-evaluated. Deliver must only be called from the
// stream's delivery worker.
func (s *Stream) Deliver(ctx context.Context, p *packet.Packet) Report {
	var report Report
	for _, sub := range s.root.active() {
		if sub.State() != StateActive {
			continue
		}
		if !sub.chain.eval(p, s.chain) {
			continue
		}
		if sub.accept != nil && !sub.accept(p) {
			continue
		}
		report.Delivered++
		if !sub.invoke(ctx, p) {
			report.Faults++
		}
	}
	s.root.sweep()
	return report
}

// Sweep finalises subscriptions cancelled since the last delivery.
func (s *Stream) Sweep() {
	s.root.sweep()
}

// CancelAll requests cancellation of every subscription on the attachment point.
func (s *Stream) CancelAll() {
	if s.root.cancelAll(false) {
		s.root.notify()
	}
}

// Close cancels every subscription, finalises them inline, and rejects new ones.
func (s *Stream) Close() {
	s.root.cancelAll(true)
	s.root.sweep()
}

func (a *attachment) cancelAll(closing bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if closing {
		a.closed = true
	}
	changed := false
	for _, sub := range a.subs {
		if sub.state.CompareAndSwap(int32(StateActive), int32(StateCancelling)) {
			changed = true
		}
	}
	return changed
}

func (a *attachment) active() []*Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Subscription, 0, len(a.subs))
	for _, sub := range a.subs {
		out = append(out, sub)
	}
	return out
}

// notify routes a cancellation to the worker, or finalises inline when no
// worker is attached.
func (a *attachment) notify() {
	a.mu.Lock()
	wake := a.wake
	a.mu.Unlock()
	if wake != nil {
		wake()
		return
	}
	a.sweep()
}

func (a *attachment) sweep() {
	a.mu.Lock()
	var done []*Subscription
	for id, sub := range a.subs {
		if sub.State() == StateCancelling {
			delete(a.subs, id)
			done = append(done, sub)
		}
	}
	a.mu.Unlock()
	for _, sub := range done {
		sub.finish()
	}
}
