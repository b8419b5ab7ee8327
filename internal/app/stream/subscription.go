package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

// State is a subscription lifecycle state.
type State int32

const (
	// StateActive receives packets.
	StateActive State = iota
	// StateCancelling is waiting for the delivery worker to finalise it.
	StateCancelling
	// StateCancelled is terminal; End has been called.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type deliverFunc func(ctx context.Context, p *packet.Packet) (Outcome, error)

// Subscription binds one consumer callback to a stream view.
type Subscription struct {
	id      string
	root    *attachment
	chain   *chain
	accept  func(*packet.Packet) bool
	deliver deliverFunc
	begin   func()
	end     func(error)

	state     atomic.Int32
	beginOnce sync.Once
	endOnce   sync.Once
	done      chan struct{}

	mu    sync.Mutex
	cause error
}

func newSubscription(root *attachment, c *chain, accept func(*packet.Packet) bool, deliver deliverFunc, begin func(), end func(error)) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		root:    root,
		chain:   c,
		accept:  accept,
		deliver: deliver,
		begin:   begin,
		end:     end,
		done:    make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// IsCancelled reports whether cancellation has been requested or completed.
func (s *Subscription) IsCancelled() bool { return s.State() != StateActive }

// Done is closed once the subscription reaches StateCancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cause returns the fault that cancelled the subscription, nil for a requested cancel.
func (s *Subscription) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Cancel requests cancellation. It is idempotent and safe from any goroutine;
// no packet is delivered once it returns, and End fires from the delivery worker.
func (s *Subscription) Cancel() {
	if s.state.CompareAndSwap(int32(StateActive), int32(StateCancelling)) {
		s.root.notify()
	}
}

// AwaitCancelled blocks until the subscription is cancelled or ctx is done.
func (s *Subscription) AwaitCancelled(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await cancelled: %w", ctx.Err())
	}
}

// invoke runs one delivery and reports false when the callback faulted.
func (s *Subscription) invoke(ctx context.Context, p *packet.Packet) bool {
	s.beginOnce.Do(s.callBegin)
	outcome, err := s.call(ctx, p)
	switch {
	case err != nil:
		s.fail(err)
		return false
	case outcome == Unsubscribe:
		s.state.CompareAndSwap(int32(StateActive), int32(StateCancelling))
	}
	return true
}

func (s *Subscription) call(ctx context.Context, p *packet.Packet) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.deliver(ctx, p)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.cause = errs.New("stream", errs.CodeDelivery,
		errs.WithMessage("subscriber fault"),
		errs.WithField("subscription", s.id),
		errs.WithCause(err))
	s.mu.Unlock()
	s.state.CompareAndSwap(int32(StateActive), int32(StateCancelling))
}

func (s *Subscription) callBegin() {
	if s.begin == nil {
		return
	}
	defer func() { _ = recover() }()
	s.begin()
}

// finish runs once the subscription has been removed from the active set.
func (s *Subscription) finish() {
	s.endOnce.Do(func() {
		s.beginOnce.Do(s.callBegin)
		if s.end != nil {
			func() {
				defer func() { _ = recover() }()
				s.end(s.Cause())
			}()
		}
		s.state.Store(int32(StateCancelled))
		close(s.done)
	})
}
