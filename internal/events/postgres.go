package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-query/internal/status"
)

// PostgresStore persists events in the ride_events table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts the event while holding a row lock on the ride, so appends
// from other processes for the same ride serialize behind it.
func (s *PostgresStore) Append(ctx context.Context, ev Event) (Event, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM rides WHERE id=$1 FOR UPDATE`, ev.RideID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownRide, ev.RideID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("lock ride %d: %w", ev.RideID, err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO ride_events (ride_id, description, created_at)
		 VALUES ($1,$2,$3) RETURNING id, created_at`,
		ev.RideID, ev.Description, ev.CreatedAt).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert ride_event: %w", err)
	}

	if _, err = tx.Exec(ctx, `UPDATE rides SET updated_at=NOW() WHERE id=$1`, ev.RideID); err != nil {
		return Event{}, fmt.Errorf("touch ride %d: %w", ev.RideID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListByRide(ctx context.Context, rideID int64) ([]Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, ride_id, description, created_at
		 FROM ride_events WHERE ride_id=$1
		 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list ride_events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RideID, &ev.Description, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ride_event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// States computes every ride's latest status and latest event time in two
// grouped queries.
func (s *PostgresStore) States(ctx context.Context) (map[int64]State, error) {
	out := make(map[int64]State)

	rows, err := s.db.Query(ctx,
		`SELECT ride_id, MAX(created_at) FROM ride_events GROUP BY ride_id`)
	if err != nil {
		return nil, fmt.Errorf("load event tails: %w", err)
	}
	for rows.Next() {
		var id int64
		var st State
		if err := rows.Scan(&id, &st.LastAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event tail: %w", err)
		}
		st.Status = status.Requested
		out[id] = st
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT DISTINCT ON (ride_id) ride_id, description
		 FROM ride_events
		 WHERE description LIKE 'Status changed to %'
		 ORDER BY ride_id, created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("load latest statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var desc string
		if err := rows.Scan(&id, &desc); err != nil {
			return nil, fmt.Errorf("scan latest status: %w", err)
		}
		if s, ok, err := status.ParseChange(desc); ok && err == nil {
			st := out[id]
			st.Status = s
			out[id] = st
		}
	}
	return out, rows.Err()
}
