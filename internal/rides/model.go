package rides

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ride-query/internal/events"
	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrResultSetTooLarge = errors.New("result set too large for distance sort")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidAssignment = errors.New("invalid driver assignment")
)

// TooLargeError reports a refused distance sort together with the sizes
// involved. It matches ErrResultSetTooLarge.
type TooLargeError struct {
	Count int
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%v: %d candidates, limit %d", ErrResultSetTooLarge, e.Count, e.Limit)
}

func (e *TooLargeError) Unwrap() error { return ErrResultSetTooLarge }

// Ride is a transport request.
type Ride struct {
	ID         int64      `json:"id"`
	RiderID    string     `json:"rider_id"`
	DriverID   *string    `json:"driver_id,omitempty"`
	Pickup     geo.Point  `json:"pickup"`
	Dropoff    *geo.Point `json:"dropoff,omitempty"`
	PickupTime time.Time  `json:"pickup_time"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Result is a ride as returned to callers.
type Result struct {
	Ride
	Status       status.Status  `json:"status"`
	DistanceKm   *float64       `json:"distance_km,omitempty"`
	TodaysEvents []events.Event `json:"todays_events"`
}

// Page is one page of a query.
type Page struct {
	Count    int      `json:"count"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Results  []Result `json:"results"`
}

// Sort selects the result order.
type Sort string

const (
	SortDefault    Sort = ""
	SortCreatedAt  Sort = "created_at"
	SortPickupTime Sort = "pickup_time"
	SortDistance   Sort = "distance"
)

// ParseSort accepts the sort_by values; empty selects the default order.
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.TrimSpace(s)) {
	case SortDefault, SortCreatedAt:
		return SortCreatedAt, nil
	case SortPickupTime:
		return SortPickupTime, nil
	case SortDistance:
		return SortDistance, nil
	}
	return "", fmt.Errorf("%w: sort_by must be 'pickup_time', 'distance', or 'created_at'", ErrInvalidFilter)
}

// PageRequest is a 1-based page number and size. Zero values pick defaults.
type PageRequest struct {
	Page int
	Size int
}

// CreateRequest is the body for POST /rides.
type CreateRequest struct {
	PickupLat  float64    `json:"pickup_lat"`
	PickupLon  float64    `json:"pickup_lon"`
	DropoffLat *float64   `json:"dropoff_lat,omitempty"`
	DropoffLon *float64   `json:"dropoff_lon,omitempty"`
	PickupTime *time.Time `json:"pickup_time,omitempty"`
}

// AssignRequest is the body for PATCH /rides/{id}/assign.
type AssignRequest struct {
	DriverID string `json:"driver_id"`
}

// EventRequest is the body for POST /rides/{id}/events.
type EventRequest struct {
	Description string     `json:"description"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}
