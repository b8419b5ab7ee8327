package packetbus

import (
	"context"
	"errors"
	"sync"

	"github.com/coachpo/aisbus/internal/domain/packet"
)

var errQueueClosed = errors.New("queue closed")

// queue is the bounded ingress queue. Closing it releases every blocked put.
type queue struct {
	ch        chan *packet.Packet
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(capacity int) *queue {
	return &queue{
		ch:   make(chan *packet.Packet, capacity),
		done: make(chan struct{}),
	}
}

// put blocks while the queue is full.
func (q *queue) put(ctx context.Context, p *packet.Packet) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case q.ch <- p:
		return nil
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// take blocks for the first packet, then drains without blocking up to max.
// It reports false once the queue has been closed.
func (q *queue) take(buf []*packet.Packet, max int) ([]*packet.Packet, bool) {
	buf = buf[:0]
	select {
	case p := <-q.ch:
		buf = append(buf, p)
	case <-q.done:
		return buf, false
	}
	for len(buf) < max {
		select {
		case p := <-q.ch:
			buf = append(buf, p)
		default:
			return buf, true
		}
	}
	return buf, true
}

// drain empties whatever is left without blocking.
func (q *queue) drain() []*packet.Packet {
	var out []*packet.Packet
	for {
		select {
		case p := <-q.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *queue) closed() <-chan struct{} { return q.done }

func (q *queue) len() int { return len(q.ch) }

func (q *queue) capacity() int { return cap(q.ch) }
