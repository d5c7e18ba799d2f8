package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-query/pkg/geo"
)

// PostgresStore persists rides in the rides table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_time, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *Ride) error {
	var dropLat, dropLon *float64
	if r.Dropoff != nil {
		dropLat, dropLon = &r.Dropoff.Lat, &r.Dropoff.Lon
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO rides (rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, pickup_time)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING id, created_at, updated_at`,
		r.RiderID, r.Pickup.Lat, r.Pickup.Lon, dropLat, dropLon, r.PickupTime).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %d: %w", id, err)
	}
	return r, nil
}

// List pushes the whole scope down as WHERE clauses.
func (s *PostgresStore) List(ctx context.Context, scope Scope) ([]*Ride, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if scope.RiderID != "" {
		add("rider_id=$%d", scope.RiderID)
	}
	if scope.DriverID != "" {
		add("driver_id=$%d", scope.DriverID)
	}
	if scope.PickupFrom != nil {
		add("pickup_time>=$%d", *scope.PickupFrom)
	}
	if scope.PickupTo != nil {
		add("pickup_time<=$%d", *scope.PickupTo)
	}
	if scope.CreatedFrom != nil {
		add("created_at>=$%d", *scope.CreatedFrom)
	}
	if scope.CreatedTo != nil {
		add("created_at<=$%d", *scope.CreatedTo)
	}

	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AssignDriver(ctx context.Context, id int64, driverID string) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx,
		`UPDATE rides SET driver_id=$1, updated_at=NOW() WHERE id=$2 RETURNING `+rideColumns,
		driverID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("assign driver to ride %d: %w", id, err)
	}
	return r, nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		r                Ride
		dropLat, dropLon *float64
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon,
		&dropLat, &dropLon, &r.PickupTime, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dropLat != nil && dropLon != nil {
		r.Dropoff = &geo.Point{Lat: *dropLat, Lon: *dropLon}
	}
	return &r, nil
}
