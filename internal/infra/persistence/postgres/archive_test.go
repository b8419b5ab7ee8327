package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/aisbus/internal/domain/packet"
	"github.com/coachpo/aisbus/internal/infra/persistence/migrations"
	"github.com/coachpo/aisbus/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres archive tests need docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "aisbus"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/aisbus?sslmode=disable", host, port.Port())
}

func TestPacketArchiveRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, migrations.Apply(ctx, dsn, "", zerolog.Nop()))
	require.NoError(t, migrations.Apply(ctx, dsn, "", zerolog.Nop()), "second apply is a no-op")

	store, err := postgres.Open(ctx, dsn, 4, "archive")
	require.NoError(t, err)
	defer store.Close()

	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := packet.New([]byte("!AIVDM,1"), packet.WithMessageType(1), packet.WithSource("ais-a"),
		packet.WithReceived(received), packet.WithFields(map[string]any{"mmsi": 244660000.0}))
	require.NoError(t, store.Packets.Insert(ctx, "archive", first))

	n, err := store.Packets.InsertBatch(ctx, "archive", []*packet.Packet{
		packet.New([]byte("!AIVDM,2"), packet.WithReceived(received.Add(time.Second))),
		nil,
		packet.New([]byte("!AIVDM,3"), packet.WithMessageType(5), packet.WithReceived(received.Add(2*time.Second))),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	count, err := store.Packets.Count(ctx, "archive")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	recent, err := store.Packets.Recent(ctx, "archive", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "!AIVDM,3", recent[0].Raw)
	require.Equal(t, 5, recent[0].Type)
	require.Equal(t, "!AIVDM,1", recent[2].Raw)
	require.Equal(t, "ais-a", recent[2].Source)
	require.Equal(t, 244660000.0, recent[2].Fields["mmsi"])

	pruned, err := store.Packets.Prune(ctx, received.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, int64(2), pruned)

	require.NoError(t, migrations.Rollback(ctx, dsn, "", 1, zerolog.Nop()))
	_, err = store.Packets.Count(ctx, "archive")
	require.Error(t, err)
}
