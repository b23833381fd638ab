package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/netsync/internal/player"
)

// Session is one archived player connection.
type Session struct {
	ID         int64
	Player     player.ID
	RemoteAddr string
	JoinedTick uint32
	LeftTick   *uint32
	JoinedAt   time.Time
	LeftAt     *time.Time
}

// SessionRepository records player joins and leaves.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Open records a join and returns the session row id.
func (r *SessionRepository) Open(ctx context.Context, p player.ID, remoteAddr string, tick uint32) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (player_id, remote_addr, joined_tick) VALUES ($1, $2, $3) RETURNING id`,
		int32(p), remoteAddr, int64(tick),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("opening session for player %s: %w", p, err)
	}
	return id, nil
}

// Close records the leave of session id.
func (r *SessionRepository) Close(ctx context.Context, id int64, tick uint32) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET left_tick = $1, left_at = now() WHERE id = $2 AND left_tick IS NULL`,
		int64(tick), id,
	)
	if err != nil {
		return fmt.Errorf("closing session %d: %w", id, err)
	}
	return nil
}

// ByPlayer returns the sessions of p, newest first.
func (r *SessionRepository) ByPlayer(ctx context.Context, p player.ID) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, player_id, remote_addr, joined_tick, left_tick, joined_at, left_at
		FROM sessions
		WHERE player_id = $1
		ORDER BY id DESC`,
		int32(p),
	)
	if err != nil {
		return nil, fmt.Errorf("loading sessions of player %s: %w", p, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s        Session
			playerID int32
			joined   int64
			left     *int64
		)
		if err := rows.Scan(&s.ID, &playerID, &s.RemoteAddr, &joined, &left, &s.JoinedAt, &s.LeftAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		s.Player = player.ID(playerID)
		s.JoinedTick = uint32(joined)
		if left != nil {
			t := uint32(*left)
			s.LeftTick = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return out, nil
}
