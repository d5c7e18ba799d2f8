package events

import (
	"context"
	"time"

	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

// Bus topics.
const (
	TopicRideRequested  = "ride.requested"
	TopicStatusChanged  = "ride.status_changed"
	TopicEventRecorded  = "ride.event_recorded"
	TopicDriverAssigned = "driver.assigned"
)

// Topics lists every topic the service publishes or consumes.
func Topics() []string {
	return []string{TopicRideRequested, TopicStatusChanged, TopicEventRecorded, TopicDriverAssigned}
}

// Event is an immutable entry of a ride's event log.
type Event struct {
	ID          int64     `json:"id"`
	RideID      int64     `json:"ride_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publisher sends a JSON payload to a bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Subscriber delivers raw payloads from a topic to handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler func([]byte) error)
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }

// RideRequestedEvent is published to ride.requested.
type RideRequestedEvent struct {
	RideID     int64     `json:"ride_id"`
	RiderID    string    `json:"rider_id"`
	Pickup     geo.Point `json:"pickup"`
	PickupTime string    `json:"pickup_time"`
}

// DriverAssignedEvent is published to driver.assigned.
type DriverAssignedEvent struct {
	RideID   int64  `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

// StatusChangedEvent is published to ride.status_changed.
type StatusChangedEvent struct {
	MessageID string        `json:"message_id"`
	RideID    int64         `json:"ride_id"`
	From      status.Status `json:"from"`
	To        status.Status `json:"to"`
	At        string        `json:"at"`
}

// EventRecordedEvent is published to ride.event_recorded for every append.
type EventRecordedEvent struct {
	MessageID   string `json:"message_id"`
	RideID      int64  `json:"ride_id"`
	EventID     int64  `json:"event_id"`
	Description string `json:"description"`
	At          string `json:"at"`
}
