package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

func TestRawSinkWritesFilteredPackets(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriter(Options{Name: "out", Format: "raw"}, &buf)
	require.NoError(t, c.Init(context.Background()))

	s := stream.New("out", stream.RoleConsumer).FilterOnMessageType(1)
	sub, err := c.Attach(s)
	require.NoError(t, err)

	s.Deliver(context.Background(), packet.New([]byte("!A,1"), packet.WithMessageType(1)))
	s.Deliver(context.Background(), packet.New([]byte("!A,5"), packet.WithMessageType(5)))
	s.Deliver(context.Background(), packet.New([]byte("!A,1b"), packet.WithMessageType(1)))
	require.Empty(t, buf.String(), "output stays buffered until the subscription ends")

	sub.Cancel()
	<-sub.Done()
	require.Equal(t, "!A,1\n!A,1b\n", buf.String())
	require.NoError(t, c.Close(context.Background()))
}

func TestFileSinkAppendsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0o600))

	c, err := Factory(consumer.Spec{Name: "file", Type: Type, Config: map[string]any{"path": path, "format": "json"}})
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	s := stream.New("file", stream.RoleConsumer)
	_, err = c.Attach(s)
	require.NoError(t, err)
	s.Deliver(context.Background(), packet.New([]byte("!AIVDM"), packet.WithMessageType(3), packet.WithSource("a")))
	s.Close()
	require.NoError(t, c.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "existing", lines[0])

	rec, err := packet.JSONDecoder{}.Decode([]byte(lines[1]))
	require.NoError(t, err)
	require.Equal(t, 3, rec.MessageType())
	require.Equal(t, "a", rec.Source())
}

func TestSinkValidation(t *testing.T) {
	c := NewWriter(Options{Name: "x", Format: "xml"}, &bytes.Buffer{})
	require.True(t, errors.Is(c.Init(context.Background()), errs.ErrConfiguration))

	_, err := New(Options{Name: "y"}).Attach(stream.New("y", stream.RoleConsumer))
	require.True(t, errors.Is(err, errs.ErrIllegalState))
}
