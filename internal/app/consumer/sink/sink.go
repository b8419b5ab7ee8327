// Package sink writes delivered packets to a file or stdout.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/settings"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

// Type is the registry tag of the sink consumer.
const Type = "sink"

// Stdout selects standard output as destination.
const Stdout = "-"

// Options configures a sink.
type Options struct {
	Name   string
	Path   string
	Format string
	// Truncate replaces an existing file instead of appending to it.
	Truncate bool
}

// Consumer serialises packets line by line.
type Consumer struct {
	opts  Options
	codec packet.Sink

	out    io.Writer
	closer io.Closer
	w      *lockedWriter
}

// Factory builds sink consumers from a consumer spec.
func Factory(spec consumer.Spec) (consumer.Consumer, error) {
	opts := Options{
		Name:   spec.Name,
		Path:   settings.StringOr(spec.Config, "path", Stdout),
		Format: settings.StringOr(spec.Config, "format", "raw"),
	}
	if v, ok := settings.Bool(spec.Config, "truncate"); ok {
		opts.Truncate = v
	}
	return New(opts), nil
}

// New creates a sink writing to Path.
func New(opts Options) *Consumer {
	return &Consumer{opts: opts}
}

// NewWriter creates a sink that writes to w instead of opening Path.
func NewWriter(opts Options, w io.Writer) *Consumer {
	return &Consumer{opts: opts, out: w}
}

// Name implements consumer.Consumer.
func (c *Consumer) Name() string { return c.opts.Name }

// Init resolves the codec and opens the destination.
func (c *Consumer) Init(context.Context) error {
	codec, err := packet.SinkFor(c.opts.Format)
	if err != nil {
		return errs.New("consumer.sink", errs.CodeConfiguration, errs.WithCause(err), errs.WithField("name", c.opts.Name))
	}
	c.codec = codec
	dst := c.out
	if dst == nil {
		dst, err = c.open()
		if err != nil {
			return err
		}
	}
	c.w = &lockedWriter{buf: bufio.NewWriter(dst)}
	return nil
}

func (c *Consumer) open() (io.Writer, error) {
	path := strings.TrimSpace(c.opts.Path)
	if path == "" || path == Stdout {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if c.opts.Truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	c.closer = f
	return f, nil
}

// Attach subscribes the sink to s.
func (c *Consumer) Attach(s *stream.Stream) (*stream.Subscription, error) {
	if c.w == nil {
		return nil, errs.New("consumer.sink", errs.CodeIllegalState, errs.WithMessage("sink not initialised"))
	}
	return s.SubscribePacketSink(c.codec, c.w)
}

// Close flushes buffered output and closes an opened file.
func (c *Consumer) Close(context.Context) error {
	if c.w == nil {
		return nil
	}
	err := c.w.Flush()
	if c.closer != nil {
		if cerr := c.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.closer = nil
	}
	return err
}

// lockedWriter lets the delivery worker and Close share the buffer.
type lockedWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *lockedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}
