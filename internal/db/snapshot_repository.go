package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/wire"
)

var (
	// ErrNotFound is returned when no snapshot is archived for a tick.
	ErrNotFound = errors.New("db: snapshot not found")
	// ErrDigestMismatch is returned when a stored payload no longer matches its digest.
	ErrDigestMismatch = errors.New("db: snapshot digest mismatch")
)

// SnapshotRepository archives confirmed snapshots in wire format alongside
// their digest, for replay and desync investigation.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

// Save stores s, replacing an earlier archive of the same tick.
func (r *SnapshotRepository) Save(ctx context.Context, s *snapshot.Snapshot) error {
	payload, err := wire.Marshal(wire.Envelope{Snapshot: s})
	if err != nil {
		return fmt.Errorf("encoding snapshot %d: %w", s.Tick, err)
	}
	digest := s.Digest()

	var startedAt *time.Time
	if !s.StartedAt.IsZero() {
		startedAt = &s.StartedAt
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO snapshots (tick, started_at, digest, objects, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tick) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    digest = EXCLUDED.digest,
		    objects = EXCLUDED.objects,
		    payload = EXCLUDED.payload,
		    archived_at = now()`,
		int64(s.Tick), startedAt, digest[:], s.Data().Len(), payload,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %d: %w", s.Tick, err)
	}
	return nil
}

// Load returns the snapshot archived for tick.
func (r *SnapshotRepository) Load(ctx context.Context, tick uint32) (*snapshot.Snapshot, error) {
	var digest, payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT digest, payload FROM snapshots WHERE tick = $1`, int64(tick),
	).Scan(&digest, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tick %d: %w", tick, ErrNotFound)
		}
		return nil, fmt.Errorf("loading snapshot %d: %w", tick, err)
	}
	return decodeArchived(tick, digest, payload)
}

// LoadRange returns snapshots archived for ticks in [from, to], ascending.
func (r *SnapshotRepository) LoadRange(ctx context.Context, from, to uint32) ([]*snapshot.Snapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tick, digest, payload
		FROM snapshots
		WHERE tick BETWEEN $1 AND $2
		ORDER BY tick`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots [%d, %d]: %w", from, to, err)
	}
	defer rows.Close()

	var out []*snapshot.Snapshot
	for rows.Next() {
		var (
			tick            int64
			digest, payload []byte
		)
		if err := rows.Scan(&tick, &digest, &payload); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		s, err := decodeArchived(uint32(tick), digest, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return out, nil
}

// Latest returns the highest archived tick.
func (r *SnapshotRepository) Latest(ctx context.Context) (uint32, error) {
	var tick *int64
	if err := r.pool.QueryRow(ctx, `SELECT max(tick) FROM snapshots`).Scan(&tick); err != nil {
		return 0, fmt.Errorf("querying latest snapshot: %w", err)
	}
	if tick == nil {
		return 0, ErrNotFound
	}
	return uint32(*tick), nil
}

// PruneBefore deletes snapshots older than tick and returns how many were removed.
func (r *SnapshotRepository) PruneBefore(ctx context.Context, tick uint32) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM snapshots WHERE tick < $1`, int64(tick))
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots before %d: %w", tick, err)
	}
	return tag.RowsAffected(), nil
}

func decodeArchived(tick uint32, digest, payload []byte) (*snapshot.Snapshot, error) {
	env, err := wire.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %d: %w", tick, err)
	}
	if env.Snapshot == nil {
		return nil, fmt.Errorf("decoding snapshot %d: %w", tick, wire.ErrMalformed)
	}
	got := env.Snapshot.Digest()
	if !bytes.Equal(got[:], digest) {
		return nil, fmt.Errorf("tick %d: %w", tick, ErrDigestMismatch)
	}
	return env.Snapshot, nil
}
