package packet

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Decoder turns one input record into a packet.
type Decoder interface {
	Decode(line []byte) (*Packet, error)
}

// Sink serialises packets into a destination writer.
type Sink interface {
	Write(w io.Writer, p *Packet) error
}

// Record is the JSON line layout understood by JSONDecoder and produced by JSONSink.
type Record struct {
	Raw      string         `json:"raw"`
	Type     int            `json:"type,omitempty"`
	Source   string         `json:"source,omitempty"`
	Received *time.Time     `json:"received,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// JSONDecoder decodes Record lines. A record without a type carries no decoded message.
type JSONDecoder struct {
	Source string
}

// Decode implements Decoder.
func (d JSONDecoder) Decode(line []byte) (*Packet, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode packet: empty record")
	}
	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return rec.Packet(d.Source), nil
}

// Packet converts the record into a packet, falling back to the given source tag.
func (r Record) Packet(fallbackSource string) *Packet {
	source := r.Source
	if strings.TrimSpace(source) == "" {
		source = fallbackSource
	}
	opts := []Option{WithSource(source), WithFields(r.Fields)}
	if r.Received != nil {
		opts = append(opts, WithReceived(*r.Received))
	}
	if r.Type > 0 {
		opts = append(opts,
			WithMessageType(r.Type),
			WithMessage(Decoded{ID: r.Type, Fields: CloneFields(r.Fields)}))
	}
	return New([]byte(r.Raw), opts...)
}

// RawDecoder wraps each line as an undecoded packet.
type RawDecoder struct {
	Source string
}

// Decode implements Decoder.
func (d RawDecoder) Decode(line []byte) (*Packet, error) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return nil, fmt.Errorf("decode packet: empty record")
	}
	return New(trimmed, WithSource(d.Source)), nil
}

// DecoderFor returns the decoder registered for the format name.
func DecoderFor(format, source string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return JSONDecoder{Source: source}, nil
	case "raw":
		return RawDecoder{Source: source}, nil
	default:
		return nil, fmt.Errorf("unknown packet format %q", format)
	}
}

// RawSink writes the raw payload followed by a newline.
type RawSink struct{}

// Write implements Sink.
func (RawSink) Write(w io.Writer, p *Packet) error {
	if p == nil {
		return nil
	}
	buf := make([]byte, 0, p.Len()+1)
	buf = append(buf, p.raw...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write raw packet: %w", err)
	}
	return nil
}

// JSONSink writes one Record document per line.
type JSONSink struct{}

// Write implements Sink.
func (JSONSink) Write(w io.Writer, p *Packet) error {
	if p == nil {
		return nil
	}
	received := p.received
	rec := Record{
		Raw:      string(p.raw),
		Type:     p.messageType,
		Source:   p.source,
		Received: &received,
		Fields:   p.fields,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// SinkFor returns the sink registered for the format name.
func SinkFor(format string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "raw":
		return RawSink{}, nil
	case "json":
		return JSONSink{}, nil
	default:
		return nil, fmt.Errorf("unknown packet format %q", format)
	}
}
