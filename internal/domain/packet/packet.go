// Package packet defines the immutable AIS packet envelope carried by the bus.
package packet

import (
	"strings"
	"time"
)

// Reserved field names resolved from packet attributes rather than decoded fields.
const (
	FieldType   = "type"
	FieldMsgID  = "msgid"
	FieldSource = "source"
)

// Message is the decoded projection of a packet payload.
type Message interface {
	MsgID() int
}

// Decoded is a generic map-backed message used by decoders that do not know
// the concrete AIS message layout.
type Decoded struct {
	ID     int
	Fields map[string]any
}

// MsgID returns the AIS message type.
func (d Decoded) MsgID() int { return d.ID }

// Packet is a read-only envelope. Nothing in the bus mutates a packet after construction.
type Packet struct {
	raw         []byte
	messageType int
	source      string
	received    time.Time
	fields      map[string]any
	message     Message
}

// Option configures a packet during construction.
type Option func(*Packet)

// WithMessageType records the decoded message type.
func WithMessageType(typ int) Option {
	return func(p *Packet) {
		p.messageType = typ
	}
}

// WithFields attaches decoded fields. Nested maps and slices are copied, so
// later changes by the caller never reach the packet.
func WithFields(fields map[string]any) Option {
	return func(p *Packet) {
		if len(fields) == 0 {
			return
		}
		p.fields = CloneFields(fields)
	}
}

// WithMessage attaches the decoded message projection.
func WithMessage(msg Message) Option {
	return func(p *Packet) {
		p.message = msg
	}
}

// WithSource tags the packet with the originating source.
func WithSource(source string) Option {
	trimmed := strings.TrimSpace(source)
	return func(p *Packet) {
		p.source = trimmed
	}
}

// WithReceived overrides the receive timestamp.
func WithReceived(ts time.Time) Option {
	return func(p *Packet) {
		p.received = ts
	}
}

// New constructs a packet from raw payload bytes. The payload is copied.
func New(raw []byte, opts ...Option) *Packet {
	p := &Packet{
		raw:         append([]byte(nil), raw...),
		messageType: 0,
		source:      "",
		received:    time.Now(),
		fields:      nil,
		message:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.message != nil && p.messageType == 0 {
		p.messageType = p.message.MsgID()
	}
	return p
}

// Raw returns a copy of the payload bytes.
func (p *Packet) Raw() []byte {
	if p == nil {
		return nil
	}
	return append([]byte(nil), p.raw...)
}

// Len returns the payload size in bytes.
func (p *Packet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.raw)
}

// String returns the payload as text.
func (p *Packet) String() string {
	if p == nil {
		return ""
	}
	return string(p.raw)
}

// MessageType returns the decoded message type, 0 when unknown.
func (p *Packet) MessageType() int {
	if p == nil {
		return 0
	}
	return p.messageType
}

// Source returns the source tag.
func (p *Packet) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

// Received returns the time the packet entered the system.
func (p *Packet) Received() time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.received
}

// Message returns the decoded message, if the payload yielded one.
func (p *Packet) Message() (Message, bool) {
	if p == nil || p.message == nil {
		return nil, false
	}
	return p.message, true
}

// Field resolves a field by name. Reserved names map to packet attributes;
// dotted names walk nested maps. Map and slice values are returned as copies.
func (p *Packet) Field(name string) (any, bool) {
	if p == nil {
		return nil, false
	}
	switch strings.ToLower(name) {
	case FieldType, FieldMsgID:
		if p.messageType == 0 {
			return nil, false
		}
		return p.messageType, true
	case FieldSource:
		if p.source == "" {
			return nil, false
		}
		return p.source, true
	}
	if v, ok := p.fields[name]; ok {
		return cloneValue(v), true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = p.fields
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cloneValue(cur), true
}

// Fields returns a deep copy of the decoded fields.
func (p *Packet) Fields() map[string]any {
	if p == nil || len(p.fields) == 0 {
		return nil
	}
	return CloneFields(p.fields)
}

// CloneFields deep-copies a decoded field tree. Maps and slices are copied
// recursively; scalars are shared.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}
