package archive

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

type memoryArchive struct {
	mu      sync.Mutex
	batches [][]string
	streams []string
	fail    error
}

func (m *memoryArchive) InsertBatch(_ context.Context, stream string, packets []*packet.Packet) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	raw := make([]string, 0, len(packets))
	for _, p := range packets {
		raw = append(raw, p.String())
	}
	m.batches = append(m.batches, raw)
	m.streams = append(m.streams, stream)
	return int64(len(packets)), nil
}

func TestBatchesAndFlushesOnEnd(t *testing.T) {
	mem := &memoryArchive{}
	c := New(Options{Name: "archive", Stream: "vessels", BatchSize: 2}, mem, zerolog.Nop())
	require.NoError(t, c.Init(context.Background()))

	s := stream.New("archive", stream.RoleConsumer)
	_, err := c.Attach(s)
	require.NoError(t, err)
	for _, raw := range []string{"a", "b", "c"} {
		s.Deliver(context.Background(), packet.New([]byte(raw)))
	}
	require.Equal(t, [][]string{{"a", "b"}}, mem.batches)

	s.Close()
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, mem.batches)
	require.Equal(t, []string{"vessels", "vessels"}, mem.streams)
	require.Equal(t, int64(3), c.Written())
	require.NoError(t, c.Close(context.Background()))
}

func TestWriteFailureFaultsSubscription(t *testing.T) {
	mem := &memoryArchive{fail: errors.New("connection refused")}
	c := New(Options{Name: "archive"}, mem, zerolog.Nop())
	require.NoError(t, c.Init(context.Background()))

	s := stream.New("archive", stream.RoleConsumer)
	sub, err := c.Attach(s)
	require.NoError(t, err)
	report := s.Deliver(context.Background(), packet.New([]byte("a")))
	require.Equal(t, 1, report.Faults)
	<-sub.Done()
	require.True(t, errors.Is(sub.Cause(), errs.ErrDelivery))
}

func TestFactoryRequiresDSN(t *testing.T) {
	_, err := Factory(consumer.Spec{Name: "a", Type: Type})
	require.True(t, errors.Is(err, errs.ErrConfiguration))

	c, err := Factory(consumer.Spec{Name: "a", Type: Type, Config: map[string]any{
		"dsn": "postgres://localhost/aisbus", "batchSize": 50, "migrate": false,
	}})
	require.NoError(t, err)
	ac := c.(*Consumer)
	require.Equal(t, 50, ac.opts.BatchSize)
	require.False(t, ac.opts.Migrate)
	require.Equal(t, "a", ac.opts.Stream)

	_, err = ac.Attach(stream.New("a", stream.RoleConsumer))
	require.True(t, errors.Is(err, errs.ErrIllegalState))
}

func TestInitOpensStoreFromDSN(t *testing.T) {
	c := New(Options{Name: "archive", DSN: "postgres://%zz", BatchSize: 1}, nil, zerolog.Nop())
	err := c.Init(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse database dsn")
	require.Nil(t, c.store)
	require.NoError(t, c.Close(context.Background()))
}
