// Package predicate compiles filter expressions and message-type sets into
// pure boolean functions over packets.
package predicate

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/coachpo/aisbus/internal/domain/packet"
)

// Predicate reports whether a packet passes a filter. Predicates never panic on
// missing fields and hold no mutable state visible to callers.
type Predicate func(p *packet.Packet) bool

// True accepts every packet.
func True(*packet.Packet) bool { return true }

// False rejects every packet.
func False(*packet.Packet) bool { return false }

// And combines predicates, stopping at the first false.
func And(preds ...Predicate) Predicate {
	filtered := compact(preds)
	switch len(filtered) {
	case 0:
		return True
	case 1:
		return filtered[0]
	}
	return func(p *packet.Packet) bool {
		for _, pred := range filtered {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// Or combines predicates, stopping at the first true.
func Or(preds ...Predicate) Predicate {
	filtered := compact(preds)
	if len(filtered) == 0 {
		return False
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return func(p *packet.Packet) bool {
		for _, pred := range filtered {
			if pred(p) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(pred Predicate) Predicate {
	if pred == nil {
		return False
	}
	return func(p *packet.Packet) bool { return !pred(p) }
}

// MessageTypeSet accepts packets whose decoded message type is one of types.
// An empty set rejects everything.
func MessageTypeSet(types ...int) Predicate {
	set := roaring.New()
	for _, typ := range types {
		if typ >= 0 {
			set.Add(uint32(typ))
		}
	}
	if set.IsEmpty() {
		return False
	}
	return func(p *packet.Packet) bool {
		if p == nil {
			return false
		}
		typ := p.MessageType()
		if typ < 0 {
			return false
		}
		return set.Contains(uint32(typ))
	}
}

func compact(preds []Predicate) []Predicate {
	out := make([]Predicate, 0, len(preds))
	for _, pred := range preds {
		if pred != nil {
			out = append(out, pred)
		}
	}
	return out
}
