package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/aisbus/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	Packets *PacketArchive
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), Packets: NewPacketArchive(pool)}
}

// Open connects to dsn and returns the store with its pool gauges registered
// under the given label.
func Open(ctx context.Context, dsn string, maxConns int32, label string) (*Store, error) {
	db, err := persistence.Open(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}
	ObservePoolMetrics(db.Pool(), label)
	return New(db.Pool()), nil
}
