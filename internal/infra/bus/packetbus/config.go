package packetbus

import (
	"strconv"
	"time"

	"github.com/coachpo/aisbus/internal/domain/errs"
)

const (
	// DefaultQueueSize is the ingress queue capacity.
	DefaultQueueSize = 10000
	// DefaultPullBatchSize is the maximum number of packets drained per cycle.
	DefaultPullBatchSize = 1000
	// DefaultStreamBufferSize is the per consumer stream buffer.
	DefaultStreamBufferSize = 256
	// DefaultStreamSendTimeout bounds how long the loop waits on a full stream buffer.
	DefaultStreamSendTimeout = 5 * time.Second
)

// Config holds the bus tunables.
type Config struct {
	QueueSize         int
	PullBatchSize     int
	StreamBufferSize  int
	// StreamSendTimeout of zero drops immediately when a stream buffer is full.
	StreamSendTimeout time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		QueueSize:         DefaultQueueSize,
		PullBatchSize:     DefaultPullBatchSize,
		StreamBufferSize:  DefaultStreamBufferSize,
		StreamSendTimeout: DefaultStreamSendTimeout,
	}
}

func (c Config) normalise() Config {
	if c.StreamBufferSize == 0 {
		c.StreamBufferSize = DefaultStreamBufferSize
	}
	return c
}

// Validate reports the first invalid tunable as a configuration error.
func (c Config) Validate() error {
	switch {
	case c.QueueSize <= 0:
		return configErr("queueSize", c.QueueSize)
	case c.PullBatchSize <= 0:
		return configErr("pullBatchSize", c.PullBatchSize)
	case c.StreamBufferSize <= 0:
		return configErr("streamBufferSize", c.StreamBufferSize)
	case c.StreamSendTimeout < 0:
		return errs.New("packetbus", errs.CodeConfiguration,
			errs.WithMessage("streamSendTimeout must not be negative"),
			errs.WithField("streamSendTimeout", c.StreamSendTimeout.String()))
	}
	return nil
}

func configErr(name string, value int) error {
	return errs.New("packetbus", errs.CodeConfiguration,
		errs.WithMessage(name+" must be positive"),
		errs.WithField(name, strconv.Itoa(value)))
}
