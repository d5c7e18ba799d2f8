package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ride-query/internal/events"
	"ride-query/internal/rides"
	"ride-query/internal/users"
	"ride-query/pkg/geo"
)

// Group is the consumer group the matcher reads ride.requested with.
const Group = "matching-group"

// DriverLocator finds and releases available drivers.
type DriverLocator interface {
	NearestDriver(ctx context.Context, p geo.Point, radiusKm float64) (string, error)
	ReleaseDriver(ctx context.Context, driverID string) error
}

// Assigner is the slice of the ride service the matcher drives.
type Assigner interface {
	Get(ctx context.Context, id int64) (*rides.Ride, error)
	AssignDriver(ctx context.Context, rideID int64, driverID string) (*rides.Ride, error)
}

// Matcher consumes ride.requested, finds the nearest driver and assigns them.
type Matcher struct {
	rides    Assigner
	drivers  DriverLocator
	radiusKm float64
	logger   *slog.Logger
}

// NewMatcher creates a new matcher searching within radiusKm of the pickup.
func NewMatcher(r Assigner, d DriverLocator, radiusKm float64, logger *slog.Logger) *Matcher {
	return &Matcher{rides: r, drivers: d, radiusKm: radiusKm, logger: logger.With("component", "matching")}
}

// Start begins consuming ride.requested in a background goroutine.
func (m *Matcher) Start(ctx context.Context, sub events.Subscriber) {
	sub.Subscribe(ctx, events.TopicRideRequested, Group, func(data []byte) error {
		return m.Handle(ctx, data)
	})
}

// Handle processes one ride.requested payload. Rides that already have a
// driver, and requests with no driver in range, are acknowledged and left
// for manual assignment.
func (m *Matcher) Handle(ctx context.Context, data []byte) error {
	var ev events.RideRequestedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode ride.requested: %w", err)
	}
	m.logger.Info("ride requested", "ride_id", ev.RideID, "rider_id", ev.RiderID)

	r, err := m.rides.Get(ctx, ev.RideID)
	if errors.Is(err, rides.ErrNotFound) {
		m.logger.Warn("ride vanished before matching", "ride_id", ev.RideID)
		return nil
	}
	if err != nil {
		return err
	}
	if r.DriverID != nil {
		return nil
	}

	driverID, err := m.drivers.NearestDriver(ctx, r.Pickup, m.radiusKm)
	if errors.Is(err, users.ErrNoDriver) {
		m.logger.Info("no nearby drivers", "ride_id", ev.RideID, "radius_km", m.radiusKm)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := m.rides.AssignDriver(ctx, ev.RideID, driverID); err != nil {
		return fmt.Errorf("assign driver %s to ride %d: %w", driverID, ev.RideID, err)
	}
	// out of the pool so they aren't double-assigned
	if err := m.drivers.ReleaseDriver(ctx, driverID); err != nil {
		m.logger.Warn("release driver failed", "driver_id", driverID, "err", err)
	}
	m.logger.Info("driver assigned", "ride_id", ev.RideID, "driver_id", driverID)
	return nil
}
