package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ride-query/internal/metrics"
	"ride-query/internal/status"
)

// MaxDescriptionLen bounds an event description.
const MaxDescriptionLen = 255

// Descriptions the trip duration is measured between.
var (
	PickupDescription  = status.ChangeDescription(status.Pickup)
	DropoffDescription = status.ChangeDescription(status.Dropoff)
)

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrEmptyDescription   = fmt.Errorf("%w: description is required", ErrInvalidEvent)
	ErrDescriptionTooLong = fmt.Errorf("%w: description must be %d characters or less", ErrInvalidEvent, MaxDescriptionLen)
	ErrOutOfOrder         = fmt.Errorf("%w: timestamp precedes the ride's latest event", ErrInvalidEvent)
)

// Log is the append-only event log. It keeps a last-known state per ride,
// updated under that ride's lock together with the write.
type Log struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	locks  map[int64]*rideLock
	states map[int64]State
}

// rideLock serialises appends to one ride. Entries live only while some
// Append holds or waits on them.
type rideLock struct {
	sync.Mutex
	refs int
}

// NewLog creates a log over store. A nil pub drops bus messages.
func NewLog(store Store, pub Publisher, logger *slog.Logger) *Log {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Log{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "events"),
		now:    time.Now,
		locks:  make(map[int64]*rideLock),
		states: make(map[int64]State),
	}
}

// Warm preloads the state cache from the store.
func (l *Log) Warm(ctx context.Context) error {
	states, err := l.store.States(ctx)
	if err != nil {
		return fmt.Errorf("warm status cache: %w", err)
	}
	l.mu.Lock()
	for id, st := range states {
		l.states[id] = st
	}
	l.mu.Unlock()
	l.logger.Info("status cache warmed", "rides", len(states))
	return nil
}

func (l *Log) lockRide(rideID int64) {
	l.mu.Lock()
	m, ok := l.locks[rideID]
	if !ok {
		m = &rideLock{}
		l.locks[rideID] = m
	}
	m.refs++
	l.mu.Unlock()
	m.Lock()
}

func (l *Log) unlockRide(rideID int64) {
	l.mu.Lock()
	m := l.locks[rideID]
	m.refs--
	if m.refs == 0 {
		delete(l.locks, rideID)
	}
	l.mu.Unlock()
	m.Unlock()
}

// lockedRides is the number of rides with an append in flight.
func (l *Log) lockedRides() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.locks)
}

// state returns the cached state, loading it on a miss. The caller must hold
// the ride lock when it intends to write.
func (l *Log) state(ctx context.Context, rideID int64) (State, error) {
	l.mu.RLock()
	st, ok := l.states[rideID]
	l.mu.RUnlock()
	if ok {
		return st, nil
	}

	evs, err := l.store.ListByRide(ctx, rideID)
	if err != nil {
		return State{}, err
	}
	st = deriveState(evs)

	l.mu.Lock()
	// a concurrent append may have landed first
	if cur, ok := l.states[rideID]; ok {
		st = cur
	} else {
		l.states[rideID] = st
	}
	l.mu.Unlock()
	return st, nil
}

// Append records description for rideID. A zero at means now. A
// "Status changed to X" description is validated against the ride's current
// status and stored in canonical form; an illegal move writes nothing and
// returns status.ErrIllegalTransition.
func (l *Log) Append(ctx context.Context, rideID int64, description string, at time.Time) (Event, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Event{}, ErrEmptyDescription
	}
	if len(description) > MaxDescriptionLen {
		return Event{}, ErrDescriptionTooLong
	}
	next, isChange, err := status.ParseChange(description)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if isChange {
		description = status.ChangeDescription(next)
	}
	if at.IsZero() {
		at = l.now()
	}
	at = at.UTC()

	l.lockRide(rideID)
	defer l.unlockRide(rideID)

	cur, err := l.state(ctx, rideID)
	if err != nil {
		return Event{}, fmt.Errorf("load ride %d state: %w", rideID, err)
	}
	if !cur.LastAt.IsZero() && at.Before(cur.LastAt) {
		return Event{}, ErrOutOfOrder
	}
	if isChange {
		if err := status.Transition(cur.Status, next); err != nil {
			metrics.IllegalTransitions.Inc()
			l.logger.Warn("rejected status change", "ride_id", rideID, "from", cur.Status, "to", next)
			return Event{}, err
		}
	}

	ev, err := l.store.Append(ctx, Event{RideID: rideID, Description: description, CreatedAt: at})
	if err != nil {
		return Event{}, err
	}

	updated := State{Status: cur.Status, LastAt: ev.CreatedAt}
	if isChange {
		updated.Status = next
	}
	l.mu.Lock()
	l.states[rideID] = updated
	l.mu.Unlock()

	kind := "note"
	if isChange {
		kind = "status_change"
	}
	metrics.EventsAppended.WithLabelValues(kind).Inc()
	l.logger.Debug("event appended", "ride_id", rideID, "event_id", ev.ID, "kind", kind)

	l.publish(ev, cur.Status, updated.Status, isChange)
	return ev, nil
}

// publish fans the append out to the bus without holding up the caller.
func (l *Log) publish(ev Event, from, to status.Status, isChange bool) {
	at := ev.CreatedAt.Format(time.RFC3339Nano)
	key := fmt.Sprint(ev.RideID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		recorded := EventRecordedEvent{
			MessageID:   uuid.New().String(),
			RideID:      ev.RideID,
			EventID:     ev.ID,
			Description: ev.Description,
			At:          at,
		}
		if err := l.pub.Publish(ctx, TopicEventRecorded, key, recorded); err != nil {
			metrics.PublishFailures.WithLabelValues(TopicEventRecorded).Inc()
			l.logger.Error("publish failed", "topic", TopicEventRecorded, "ride_id", ev.RideID, "error", err)
		}
		if !isChange {
			return
		}
		changed := StatusChangedEvent{
			MessageID: uuid.New().String(),
			RideID:    ev.RideID,
			From:      from,
			To:        to,
			At:        at,
		}
		if err := l.pub.Publish(ctx, TopicStatusChanged, key, changed); err != nil {
			metrics.PublishFailures.WithLabelValues(TopicStatusChanged).Inc()
			l.logger.Error("publish failed", "topic", TopicStatusChanged, "ride_id", ev.RideID, "error", err)
		}
	}()
}

// CurrentStatus returns the status implied by the ride's latest status-change
// event, or status.Requested when there is none.
func (l *Log) CurrentStatus(ctx context.Context, rideID int64) (status.Status, error) {
	st, err := l.state(ctx, rideID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// List returns all events of a ride in log order.
func (l *Log) List(ctx context.Context, rideID int64) ([]Event, error) {
	return l.store.ListByRide(ctx, rideID)
}

// Recent returns events created at or after since, newest first.
func (l *Log) Recent(ctx context.Context, rideID int64, since time.Time) ([]Event, error) {
	evs, err := l.store.ListByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].CreatedAt.Before(since) {
			break
		}
		out = append(out, evs[i])
	}
	return out, nil
}

// EventsBetween finds the first event described fromDesc and the first later
// event described toDesc with a strictly greater timestamp. ok is false when
// either is missing.
func (l *Log) EventsBetween(ctx context.Context, rideID int64, fromDesc, toDesc string) (from, to Event, ok bool, err error) {
	evs, err := l.store.ListByRide(ctx, rideID)
	if err != nil {
		return Event{}, Event{}, false, err
	}
	start := -1
	for i, ev := range evs {
		if sameDescription(ev.Description, fromDesc) {
			start = i
			break
		}
	}
	if start < 0 {
		return Event{}, Event{}, false, nil
	}
	from = evs[start]
	for _, ev := range evs[start+1:] {
		if sameDescription(ev.Description, toDesc) && ev.CreatedAt.After(from.CreatedAt) {
			return from, ev, true, nil
		}
	}
	return Event{}, Event{}, false, nil
}

// TripDuration is the time between the ride's pickup and dropoff events.
func (l *Log) TripDuration(ctx context.Context, rideID int64) (time.Duration, bool, error) {
	_, d, ok, err := l.Trip(ctx, rideID)
	return d, ok, err
}

// Trip returns when the pickup event was recorded and how long the ride took
// from there to dropoff.
func (l *Log) Trip(ctx context.Context, rideID int64) (pickedUp time.Time, d time.Duration, ok bool, err error) {
	from, to, ok, err := l.EventsBetween(ctx, rideID, PickupDescription, DropoffDescription)
	if err != nil || !ok {
		return time.Time{}, 0, false, err
	}
	return from.CreatedAt, to.CreatedAt.Sub(from.CreatedAt), true, nil
}

// sameDescription compares status changes by target status, so rows written
// before descriptions were canonical still match. Notes compare exactly.
func sameDescription(a, b string) bool {
	sa, okA, errA := status.ParseChange(a)
	sb, okB, errB := status.ParseChange(b)
	if okA && okB && errA == nil && errB == nil {
		return sa == sb
	}
	return a == b
}
