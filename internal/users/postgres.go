package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-query/pkg/geo"
)

const uniqueViolation = "23505"

// PostgresStore persists users in the users table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, first_name, last_name, email, phone, role, password_hash,
	current_lat, current_lon, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, first_name, last_name, email, phone, role, password_hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING created_at, updated_at`,
		u.ID, u.FirstName, u.LastName, u.Email, u.Phone, u.Role, u.PasswordHash).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.get(ctx, "id=$1", id)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.get(ctx, "LOWER(email)=LOWER($1)", email)
}

func (s *PostgresStore) ids(ctx context.Context, q string, arg any) ([]string, error) {
	rows, err := s.db.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("match users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) MatchEmail(ctx context.Context, substr string) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM users WHERE email ILIKE '%' || $1 || '%' ORDER BY id`, substr)
}

func (s *PostgresStore) MatchName(ctx context.Context, substr string) ([]string, error) {
	return s.ids(ctx,
		`SELECT id FROM users
		 WHERE first_name ILIKE '%' || $1 || '%' OR last_name ILIKE '%' || $1 || '%'
		 ORDER BY id`, substr)
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, id string, p geo.Point) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET current_lat=$1, current_lon=$2, updated_at=NOW() WHERE id=$3`,
		p.Lat, p.Lon, id)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LocatedDrivers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE role='driver' AND current_lat IS NOT NULL AND current_lon IS NOT NULL
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("located drivers: %w", err)
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u        User
		lat, lon *float64
	)
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &u.Role, &u.PasswordHash,
		&lat, &lon, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		u.Location = &geo.Point{Lat: *lat, Lon: *lon}
	}
	return &u, nil
}
