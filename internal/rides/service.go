package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ride-query/internal/events"
	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

// todaysWindow is how far back todays_events reaches.
const todaysWindow = 24 * time.Hour

// Directory is the user lookup the ride service needs. Role returns an empty
// role for unknown users.
type Directory interface {
	UserDirectory
	Role(ctx context.Context, userID string) (string, error)
}

// Service contains ride business logic.
type Service struct {
	store  Store
	log    *events.Log
	users  Directory
	engine *Engine
	cache  HashCache
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ride service. pub may be nil.
func NewService(store Store, log *events.Log, users Directory, pub events.Publisher, logger *slog.Logger, defaultPageSize, maxPageSize int) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		store:  store,
		log:    log,
		users:  users,
		engine: NewEngine(store, log, users, logger, defaultPageSize, maxPageSize),
		pub:    pub,
		logger: logger.With("component", "rides"),
		now:    time.Now,
	}
}

// UseCache enables read-through caching of single rides.
func (s *Service) UseCache(c HashCache) { s.cache = c }

// Create stores a new ride in the requested state and announces it.
func (s *Service) Create(ctx context.Context, riderID string, req CreateRequest) (*Ride, error) {
	r := &Ride{
		RiderID: riderID,
		Pickup:  geo.Point{Lat: req.PickupLat, Lon: req.PickupLon},
	}
	if err := r.Pickup.Validate(); err != nil {
		return nil, err
	}
	if (req.DropoffLat == nil) != (req.DropoffLon == nil) {
		return nil, fmt.Errorf("%w: dropoff_lat and dropoff_lon must be supplied together", geo.ErrInvalidCoordinate)
	}
	if req.DropoffLat != nil {
		d := geo.Point{Lat: *req.DropoffLat, Lon: *req.DropoffLon}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		r.Dropoff = &d
	}
	r.PickupTime = s.now().UTC()
	if req.PickupTime != nil {
		r.PickupTime = req.PickupTime.UTC()
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("ride requested", "ride_id", r.ID, "rider_id", riderID)

	go func() {
		ev := events.RideRequestedEvent{
			RideID:     r.ID,
			RiderID:    riderID,
			Pickup:     r.Pickup,
			PickupTime: r.PickupTime.Format(time.RFC3339),
		}
		if err := s.pub.Publish(context.Background(), events.TopicRideRequested, strconv.FormatInt(r.ID, 10), ev); err != nil {
			s.logger.Error("failed to publish ride.requested", "ride_id", r.ID, "error", err)
		}
	}()
	return r, nil
}

// Get fetches a ride, through the cache when one is configured.
func (s *Service) Get(ctx context.Context, id int64) (*Ride, error) {
	if s.cache != nil {
		h, err := s.cache.GetHash(ctx, cacheKey(id))
		if err != nil {
			s.logger.Warn("ride cache read failed", "ride_id", id, "error", err)
		} else if r, ok := rideFromHash(h); ok {
			return r, nil
		}
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.CacheHash(ctx, cacheKey(id), rideToHash(r)); err != nil {
			s.logger.Warn("ride cache write failed", "ride_id", id, "error", err)
		}
	}
	return r, nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
		s.logger.Warn("ride cache invalidation failed", "ride_id", id, "error", err)
	}
}

// Detail returns a ride with its status and the last day of events.
func (s *Service) Detail(ctx context.Context, id int64) (*Result, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := s.log.CurrentStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &Result{Ride: *r, Status: st}
	if res.TodaysEvents, err = s.log.Recent(ctx, id, s.now().Add(-todaysWindow)); err != nil {
		return nil, err
	}
	return res, nil
}

// Query runs the query engine and attaches todays_events to the page.
func (s *Service) Query(ctx context.Context, p Params, by Sort, pr PageRequest) (*Page, error) {
	page, err := s.engine.Query(ctx, p, by, pr)
	if err != nil {
		return nil, err
	}
	since := s.now().Add(-todaysWindow)
	for i := range page.Results {
		evs, err := s.log.Recent(ctx, page.Results[i].ID, since)
		if err != nil {
			return nil, fmt.Errorf("recent events of ride %d: %w", page.Results[i].ID, err)
		}
		page.Results[i].TodaysEvents = evs
	}
	return page, nil
}

// AssignDriver sets the ride's driver. The ride must not be finished and the
// user must be a driver.
func (s *Service) AssignDriver(ctx context.Context, rideID int64, driverID string) (*Ride, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return nil, err
	}
	role, err := s.users.Role(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if role != RoleDriver {
		return nil, fmt.Errorf("%w: user %s is not a driver", ErrInvalidAssignment, driverID)
	}
	st, err := s.log.CurrentStatus(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return nil, fmt.Errorf("%w: ride %d is %s", status.ErrIllegalTransition, rideID, st)
	}

	r, err := s.store.AssignDriver(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, rideID)
	s.logger.Info("driver assigned", "ride_id", rideID, "driver_id", driverID)

	go func() {
		ev := events.DriverAssignedEvent{RideID: rideID, DriverID: driverID}
		if err := s.pub.Publish(context.Background(), events.TopicDriverAssigned, strconv.FormatInt(rideID, 10), ev); err != nil {
			s.logger.Error("failed to publish driver.assigned", "ride_id", rideID, "error", err)
		}
	}()
	return r, nil
}

// RecordEvent appends an event to an existing ride.
func (s *Service) RecordEvent(ctx context.Context, rideID int64, description string, at time.Time) (events.Event, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return events.Event{}, err
	}
	ev, err := s.log.Append(ctx, rideID, description, at)
	if errors.Is(err, events.ErrUnknownRide) {
		return events.Event{}, ErrNotFound
	}
	if err != nil {
		return events.Event{}, err
	}
	s.invalidate(ctx, rideID)
	return ev, nil
}

// Events lists every event of an existing ride.
func (s *Service) Events(ctx context.Context, rideID int64) ([]events.Event, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return nil, err
	}
	return s.log.List(ctx, rideID)
}

// CurrentStatus returns the derived status of an existing ride.
func (s *Service) CurrentStatus(ctx context.Context, rideID int64) (status.Status, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return "", err
	}
	return s.log.CurrentStatus(ctx, rideID)
}

// TripDuration returns pickup-to-dropoff time; ok is false when the ride has
// no complete pair.
func (s *Service) TripDuration(ctx context.Context, rideID int64) (time.Duration, bool, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return 0, false, err
	}
	return s.log.TripDuration(ctx, rideID)
}

// Trip returns the pickup event time and trip duration of an existing ride.
func (s *Service) Trip(ctx context.Context, rideID int64) (time.Time, time.Duration, bool, error) {
	if _, err := s.store.Get(ctx, rideID); err != nil {
		return time.Time{}, 0, false, err
	}
	return s.log.Trip(ctx, rideID)
}

// All lists every ride; used by reporting.
func (s *Service) All(ctx context.Context) ([]*Ride, error) {
	return s.store.List(ctx, Scope{})
}

// CanView reports whether the caller may read the ride.
func CanView(r *Ride, userID, role string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleRider:
		return r.RiderID == userID
	case RoleDriver:
		return r.DriverID != nil && *r.DriverID == userID
	}
	return false
}

// CanRecord reports whether the caller may append events to the ride.
func CanRecord(r *Ride, userID, role string) bool {
	return role == RoleAdmin || (role == RoleDriver && r.DriverID != nil && *r.DriverID == userID)
}
