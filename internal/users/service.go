package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ride-query/pkg/geo"
	"ride-query/pkg/jwt"
	"ride-query/pkg/validation"
)

const (
	RoleRider  = jwt.RoleRider
	RoleDriver = jwt.RoleDriver
	RoleAdmin  = jwt.RoleAdmin
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrConflict           = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotDriver          = errors.New("only drivers report a location")
	ErrNoDriver           = errors.New("no available driver nearby")
)

// LocationIndex is the geo index of available drivers.
type LocationIndex interface {
	SetDriverLocation(ctx context.Context, driverID string, lat, lon float64) error
	GetNearbyDrivers(ctx context.Context, lat, lon, radiusKm float64, count int) ([]string, error)
	RemoveDriverLocation(ctx context.Context, driverID string) error
}

// Service contains user business logic.
type Service struct {
	store  Store
	geo    LocationIndex
	logger *slog.Logger
}

// NewService creates a user service. index may be nil, in which case nearest
// driver lookups scan the store.
func NewService(store Store, index LocationIndex, logger *slog.Logger) *Service {
	return &Service{store: store, geo: index, logger: logger.With("component", "users")}
}

// Register creates an account and returns a JWT. Role defaults to rider.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	if req.Role == "" {
		req.Role = RoleRider
	}
	switch {
	case !validation.ValidateName(req.FirstName), !validation.ValidateName(req.LastName):
		return nil, fmt.Errorf("%w: first_name and last_name are required", ErrInvalidInput)
	case !validation.ValidateEmail(req.Email):
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	case !validation.ValidatePhone(req.Phone):
		return nil, fmt.Errorf("%w: malformed phone", ErrInvalidInput)
	case !validation.ValidatePassword(req.Password):
		return nil, fmt.Errorf("%w: password must be 6-72 characters", ErrInvalidInput)
	case !validation.ValidateRole(req.Role):
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           uuid.New().String(),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Email:        req.Email,
		Phone:        req.Phone,
		Role:         req.Role,
		PasswordHash: string(hash),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	token, err := jwt.Generate(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "role", u.Role)
	return &AuthResponse{Token: token, User: u}, nil
}

// Login authenticates a user and returns a JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	u, err := s.store.GetByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return nil, ErrInvalidCredentials
	}
	token, err := jwt.Generate(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: u}, nil
}

// GetByID fetches a single user.
func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// UpdateLocation records a driver's position and makes them matchable.
func (s *Service) UpdateLocation(ctx context.Context, userID string, loc LocationUpdate) error {
	p := geo.Point{Lat: loc.Lat, Lon: loc.Lon}
	if err := p.Validate(); err != nil {
		return err
	}
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role != RoleDriver {
		return ErrNotDriver
	}
	if err := s.store.UpdateLocation(ctx, userID, p); err != nil {
		return err
	}
	if s.geo != nil {
		if err := s.geo.SetDriverLocation(ctx, userID, p.Lat, p.Lon); err != nil {
			s.logger.Warn("geo index update failed", "driver_id", userID, "err", err)
		}
	}
	return nil
}

// NearestDriver returns the closest located driver within radiusKm of p.
func (s *Service) NearestDriver(ctx context.Context, p geo.Point, radiusKm float64) (string, error) {
	if s.geo != nil {
		ids, err := s.geo.GetNearbyDrivers(ctx, p.Lat, p.Lon, radiusKm, 1)
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "", ErrNoDriver
		}
		return ids[0], nil
	}

	drivers, err := s.store.LocatedDrivers(ctx)
	if err != nil {
		return "", err
	}
	best, bestKm := "", radiusKm
	for _, d := range drivers {
		km, err := geo.Distance(p, *d.Location)
		if err != nil {
			continue
		}
		// drivers arrive ordered by id, so ties keep the lowest id
		if km < bestKm || (best == "" && km <= bestKm) {
			best, bestKm = d.ID, km
		}
	}
	if best == "" {
		return "", ErrNoDriver
	}
	return best, nil
}

// ReleaseDriver drops a driver from the geo index once they are assigned.
func (s *Service) ReleaseDriver(ctx context.Context, driverID string) error {
	if s.geo == nil {
		return nil
	}
	return s.geo.RemoveDriverLocation(ctx, driverID)
}

// MatchEmail returns ids of users whose email contains substr.
func (s *Service) MatchEmail(ctx context.Context, substr string) ([]string, error) {
	return s.store.MatchEmail(ctx, substr)
}

// MatchName returns ids of users whose first or last name contains substr.
func (s *Service) MatchName(ctx context.Context, substr string) ([]string, error) {
	return s.store.MatchName(ctx, substr)
}

// Role returns the user's role, or "" when the user does not exist.
func (s *Service) Role(ctx context.Context, userID string) (string, error) {
	u, err := s.store.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

// DisplayName renders a user as first name and last initial, "Dana C".
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.LastName == "" {
		return u.FirstName, nil
	}
	return fmt.Sprintf("%s %s", u.FirstName, string([]rune(u.LastName)[0])), nil
}
