package rides

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

// Roles a query can be scoped to.
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Params are the optional filters of a ride query. Nil or empty fields are
// not applied.
type Params struct {
	Role   string
	UserID string

	Status *status.Status

	PickupFrom *time.Time
	PickupTo   *time.Time

	CreatedFrom *time.Time
	CreatedTo   *time.Time

	Lat      *float64
	Lon      *float64
	RadiusKm *float64

	RiderEmail string
	RiderName  string
	DriverName string
}

// UserDirectory resolves user-attribute filters to user ids.
type UserDirectory interface {
	MatchEmail(ctx context.Context, substr string) ([]string, error)
	MatchName(ctx context.Context, substr string) ([]string, error)
}

// Candidate is a ride under evaluation.
type Candidate struct {
	Ride        *Ride
	Status      status.Status
	DistanceKm  float64
	HasDistance bool
}

type predicate func(*Candidate) bool

// Scope carries the parts of a filter a Store can apply itself.
type Scope struct {
	RiderID     string
	DriverID    string
	PickupFrom  *time.Time
	PickupTo    *time.Time
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Filter is the AND of every supplied parameter.
type Filter struct {
	preds       []predicate
	origin      *geo.Point
	needsStatus bool
	scope       Scope
}

// Match evaluates predicates in order and stops at the first failure.
func (f *Filter) Match(c *Candidate) bool {
	for _, p := range f.preds {
		if !p(c) {
			return false
		}
	}
	return true
}

// Origin is the point distances are measured from, if any.
func (f *Filter) Origin() *geo.Point { return f.origin }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidFilter}, args...)...)
}

// Compose validates p and builds its Filter. Cheap predicates come first;
// the status and radius predicates run last.
func Compose(ctx context.Context, p Params, users UserDirectory) (*Filter, error) {
	f := &Filter{}

	if (p.Lat == nil) != (p.Lon == nil) {
		return nil, invalidf("lat and lon must be supplied together")
	}
	if p.Lat != nil {
		origin := geo.Point{Lat: *p.Lat, Lon: *p.Lon}
		if err := origin.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		f.origin = &origin
	}
	if p.RadiusKm != nil {
		if f.origin == nil {
			return nil, invalidf("radius_km requires lat and lon")
		}
		if r := *p.RadiusKm; math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return nil, invalidf("radius_km must be a non-negative number")
		}
	}
	if p.PickupFrom != nil && p.PickupTo != nil && p.PickupFrom.After(*p.PickupTo) {
		return nil, invalidf("pickup_from is after pickup_to")
	}
	if p.CreatedFrom != nil && p.CreatedTo != nil && p.CreatedFrom.After(*p.CreatedTo) {
		return nil, invalidf("date_from is after date_to")
	}

	if p.Role != "" || p.UserID != "" {
		if p.UserID == "" {
			return nil, invalidf("role requires user_id")
		}
		switch p.Role {
		case RoleRider:
			uid := p.UserID
			f.scope.RiderID = uid
			f.preds = append(f.preds, func(c *Candidate) bool { return c.Ride.RiderID == uid })
		case RoleDriver:
			uid := p.UserID
			f.scope.DriverID = uid
			f.preds = append(f.preds, func(c *Candidate) bool {
				return c.Ride.DriverID != nil && *c.Ride.DriverID == uid
			})
		default:
			return nil, invalidf("role must be 'rider' or 'driver'")
		}
	}

	if p.PickupFrom != nil || p.PickupTo != nil {
		from, to := p.PickupFrom, p.PickupTo
		f.scope.PickupFrom, f.scope.PickupTo = from, to
		f.preds = append(f.preds, func(c *Candidate) bool { return within(c.Ride.PickupTime, from, to) })
	}
	if p.CreatedFrom != nil || p.CreatedTo != nil {
		from, to := p.CreatedFrom, p.CreatedTo
		f.scope.CreatedFrom, f.scope.CreatedTo = from, to
		f.preds = append(f.preds, func(c *Candidate) bool { return within(c.Ride.CreatedAt, from, to) })
	}

	if err := composeUserFilters(ctx, f, p, users); err != nil {
		return nil, err
	}

	if p.Status != nil {
		want := *p.Status
		f.needsStatus = true
		f.preds = append(f.preds, func(c *Candidate) bool { return c.Status == want })
	}

	if p.RadiusKm != nil {
		radius := *p.RadiusKm
		f.preds = append(f.preds, func(c *Candidate) bool { return c.HasDistance && c.DistanceKm <= radius })
	}
	return f, nil
}

func composeUserFilters(ctx context.Context, f *Filter, p Params, users UserDirectory) error {
	riderEmail := strings.TrimSpace(p.RiderEmail)
	riderName := strings.TrimSpace(p.RiderName)
	driverName := strings.TrimSpace(p.DriverName)
	if riderEmail == "" && riderName == "" && driverName == "" {
		return nil
	}
	if users == nil {
		return invalidf("user filters are not available")
	}

	if riderEmail != "" {
		ids, err := users.MatchEmail(ctx, riderEmail)
		if err != nil {
			return fmt.Errorf("resolve rider_email: %w", err)
		}
		set := toSet(ids)
		f.preds = append(f.preds, func(c *Candidate) bool { return set[c.Ride.RiderID] })
	}
	if riderName != "" {
		ids, err := users.MatchName(ctx, riderName)
		if err != nil {
			return fmt.Errorf("resolve rider_name: %w", err)
		}
		set := toSet(ids)
		f.preds = append(f.preds, func(c *Candidate) bool { return set[c.Ride.RiderID] })
	}
	if driverName != "" {
		ids, err := users.MatchName(ctx, driverName)
		if err != nil {
			return fmt.Errorf("resolve driver_name: %w", err)
		}
		set := toSet(ids)
		f.preds = append(f.preds, func(c *Candidate) bool {
			return c.Ride.DriverID != nil && set[*c.Ride.DriverID]
		})
	}
	return nil
}

// within reports from <= t <= to with nil bounds unbounded.
func within(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
