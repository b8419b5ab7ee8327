// Package postgres implements the PostgreSQL repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/aisbus/internal/domain/packet"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 10000
)

var archiveColumns = []string{"stream", "source", "message_type", "raw", "fields", "received_at"}

const (
	packetInsertSQL = `
INSERT INTO ais_packets (stream, source, message_type, raw, fields, received_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6);
`
	packetCountSQL  = `SELECT COUNT(*) FROM ais_packets WHERE stream = $1;`
	packetRecentSQL = `
SELECT raw, message_type, source, fields, received_at
FROM ais_packets
WHERE stream = $1
ORDER BY id DESC
LIMIT $2;
`
	packetPruneSQL = `DELETE FROM ais_packets WHERE received_at < $1;`
)

var errNilPool = errors.New("packet archive: nil pool")

// PacketArchive stores delivered packets per consumer stream.
type PacketArchive struct {
	pool *pgxpool.Pool
}

// NewPacketArchive constructs an archive backed by the provided pool.
func NewPacketArchive(pool *pgxpool.Pool) *PacketArchive {
	return &PacketArchive{pool: pool}
}

// Insert archives one packet under stream.
func (a *PacketArchive) Insert(ctx context.Context, stream string, p *packet.Packet) error {
	if a == nil || a.pool == nil {
		return errNilPool
	}
	if p == nil {
		return nil
	}
	fields, err := encodeFields(p)
	if err != nil {
		return err
	}
	if _, err := a.pool.Exec(ctx, packetInsertSQL,
		strings.TrimSpace(stream), p.Source(), p.MessageType(), p.String(), fields, p.Received().UTC()); err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}
	return nil
}

// InsertBatch archives packets with a single COPY.
func (a *PacketArchive) InsertBatch(ctx context.Context, stream string, packets []*packet.Packet) (int64, error) {
	if a == nil || a.pool == nil {
		return 0, errNilPool
	}
	rows := make([][]any, 0, len(packets))
	for _, p := range packets {
		if p == nil {
			continue
		}
		fields, err := encodeFields(p)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{strings.TrimSpace(stream), p.Source(), int32(p.MessageType()), p.String(), fields, p.Received().UTC()})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := a.pool.CopyFrom(ctx, pgx.Identifier{"ais_packets"}, archiveColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy packets: %w", err)
	}
	return n, nil
}

// Count returns the number of packets archived under stream.
func (a *PacketArchive) Count(ctx context.Context, stream string) (int64, error) {
	if a == nil || a.pool == nil {
		return 0, errNilPool
	}
	var n int64
	if err := a.pool.QueryRow(ctx, packetCountSQL, strings.TrimSpace(stream)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return n, nil
}

// Recent returns the newest packets archived under stream, newest first.
func (a *PacketArchive) Recent(ctx context.Context, stream string, limit int) ([]packet.Record, error) {
	if a == nil || a.pool == nil {
		return nil, errNilPool
	}
	limit = clampLimit(limit)
	rows, err := a.pool.Query(ctx, packetRecentSQL, strings.TrimSpace(stream), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent packets: %w", err)
	}
	defer rows.Close()

	out := make([]packet.Record, 0, limit)
	for rows.Next() {
		var (
			rec      packet.Record
			typ      int32
			fields   []byte
			received time.Time
		)
		if err := rows.Scan(&rec.Raw, &typ, &rec.Source, &fields, &received); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		rec.Type = int(typ)
		rec.Received = &received
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode packet fields: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packets: %w", err)
	}
	return out, nil
}

// Prune deletes packets received before cutoff and returns the number removed.
func (a *PacketArchive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if a == nil || a.pool == nil {
		return 0, errNilPool
	}
	tag, err := a.pool.Exec(ctx, packetPruneSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune packets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeFields(p *packet.Packet) ([]byte, error) {
	fields := p.Fields()
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode packet fields: %w", err)
	}
	return data, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultRecentLimit
	case limit > maxRecentLimit:
		return maxRecentLimit
	default:
		return limit
	}
}
