package logsink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/aisbus/internal/app/consumer"
	"github.com/coachpo/aisbus/internal/app/stream"
	"github.com/coachpo/aisbus/internal/domain/errs"
	"github.com/coachpo/aisbus/internal/domain/packet"
)

func TestLogsPacketsUntilLimit(t *testing.T) {
	var buf bytes.Buffer
	c := New(Options{Name: "audit", Level: zerolog.InfoLevel, Limit: 2, Fields: true}, zerolog.New(&buf))
	require.NoError(t, c.Init(context.Background()))

	s := stream.New("audit", stream.RoleConsumer)
	sub, err := c.Attach(s)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s.Deliver(context.Background(), packet.New([]byte("!AIVDM"), packet.WithMessageType(1),
			packet.WithSource("ais-a"), packet.WithFields(map[string]any{"mmsi": 1})))
	}
	<-sub.Done()
	require.Equal(t, int64(2), c.Logged())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "two packets and the end line")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "packet", entry["message"])
	require.Equal(t, "audit", entry["consumer"])
	require.Equal(t, "ais-a", entry["source"])
	require.Equal(t, float64(1), entry["msg_type"])
	require.Equal(t, float64(1), entry["mmsi"])
	require.Contains(t, lines[2], "log consumer finished")
}

func TestFactoryOptions(t *testing.T) {
	c, err := Factory(consumer.Spec{Name: "dbg", Config: map[string]any{"level": "DEBUG", "limit": 3}})
	require.NoError(t, err)
	lc := c.(*Consumer)
	require.Equal(t, zerolog.DebugLevel, lc.opts.Level)
	require.Equal(t, 3, lc.opts.Limit)

	_, err = Factory(consumer.Spec{Name: "bad", Config: map[string]any{"level": "loud"}})
	require.True(t, errors.Is(err, errs.ErrConfiguration))
	_, err = Factory(consumer.Spec{Name: "bad", Config: map[string]any{"limit": -1}})
	require.True(t, errors.Is(err, errs.ErrConfiguration))
}
