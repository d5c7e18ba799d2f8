package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ride-query/internal/status"
)

type published struct {
	topic string
	key   string
	value any
}

type recordingPublisher struct {
	ch chan published
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan published, 64)}
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value any) error {
	p.ch <- published{topic: topic, key: key, value: value}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupLog() (*Log, *MemoryStore) {
	store := NewMemoryStore()
	return NewLog(store, nil, discardLogger()), store
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func advance(t *testing.T, l *Log, rideID int64, at time.Time, to ...status.Status) {
	t.Helper()
	for i, s := range to {
		if _, err := l.Append(context.Background(), rideID, status.ChangeDescription(s), at.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append %s: %v", s, err)
		}
	}
}

func TestCurrentStatusDefaultsToRequested(t *testing.T) {
	l, _ := setupLog()
	got, err := l.CurrentStatus(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if got != status.Requested {
		t.Errorf("CurrentStatus = %s, want requested", got)
	}
}

func TestCurrentStatusFollowsLatestChange(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()

	advance(t, l, 1, t0, status.EnRouteToPickup, status.Pickup)
	if _, err := l.Append(ctx, 1, "Rider asked to wait", t0.Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, _ := l.CurrentStatus(ctx, 1)
	if got != status.Pickup {
		t.Errorf("CurrentStatus = %s, want pickup", got)
	}
}

func TestStatusRebuiltFromStoreOnCacheMiss(t *testing.T) {
	l, store := setupLog()
	advance(t, l, 1, t0, status.EnRouteToPickup, status.Pickup, status.Dropoff)

	fresh := NewLog(store, nil, discardLogger())
	got, err := fresh.CurrentStatus(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != status.Dropoff {
		t.Errorf("CurrentStatus = %s, want dropoff", got)
	}

	if err := fresh.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.Append(context.Background(), 1, "Status changed to requested", t0.Add(time.Hour)); !errors.Is(err, status.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition after warm, got %v", err)
	}
}

func TestIllegalTransitionLeavesLogUnchanged(t *testing.T) {
	l, store := setupLog()
	ctx := context.Background()
	advance(t, l, 7, t0, status.EnRouteToPickup, status.Pickup, status.Dropoff)

	before, _ := store.ListByRide(ctx, 7)
	_, err := l.Append(ctx, 7, "Status changed to requested", t0.Add(time.Hour))
	if !errors.Is(err, status.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	after, _ := store.ListByRide(ctx, 7)
	if len(after) != len(before) {
		t.Fatalf("log changed: %d events before, %d after", len(before), len(after))
	}
	if got, _ := l.CurrentStatus(ctx, 7); got != status.Dropoff {
		t.Errorf("CurrentStatus = %s, want dropoff", got)
	}
}

func TestAppendValidation(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()
	long := make([]byte, MaxDescriptionLen+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		desc string
		want error
	}{
		{"empty", "", ErrEmptyDescription},
		{"blank", "   ", ErrEmptyDescription},
		{"too long", string(long), ErrDescriptionTooLong},
		{"unknown status", "Status changed to teleported", ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, 1, tt.desc, t0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAppendRejectsOutOfOrderTimestamp(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()
	if _, err := l.Append(ctx, 1, "Driver on the way", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, 1, "Earlier note", t0.Add(-time.Second)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if _, err := l.Append(ctx, 1, "Same instant note", t0); err != nil {
		t.Fatalf("equal timestamp should be accepted: %v", err)
	}
}

func TestConcurrentAppendsSameRideSerialize(t *testing.T) {
	for round := 0; round < 50; round++ {
		l, store := setupLog()
		ctx := context.Background()
		advance(t, l, 1, t0, status.EnRouteToPickup, status.Pickup, status.Dropoff)

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, s := range []status.Status{status.Completed, status.Cancelled} {
			wg.Add(1)
			go func(s status.Status) {
				defer wg.Done()
				_, err := l.Append(ctx, 1, status.ChangeDescription(s), t0.Add(time.Hour))
				errs <- err
			}(s)
		}
		wg.Wait()
		close(errs)

		var ok, illegal int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, status.ErrIllegalTransition):
				illegal++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || illegal != 1 {
			t.Fatalf("round %d: %d accepted, %d rejected", round, ok, illegal)
		}
		evs, _ := store.ListByRide(ctx, 1)
		if len(evs) != 4 {
			t.Fatalf("round %d: expected 4 events, got %d", round, len(evs))
		}
		if n := l.lockedRides(); n != 0 {
			t.Fatalf("round %d: %d ride locks left behind", round, n)
		}
	}
}

func TestTripDuration(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()

	advance(t, l, 1, t0, status.EnRouteToPickup)
	if _, err := l.Append(ctx, 1, PickupDescription, t0.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, 1, DropoffDescription, t0.Add(100*time.Minute)); err != nil {
		t.Fatal(err)
	}

	d, ok, err := l.TripDuration(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("TripDuration: ok=%v err=%v", ok, err)
	}
	if d.Hours() != 1.5 {
		t.Errorf("TripDuration = %v hours, want 1.5", d.Hours())
	}

	advance(t, l, 2, t0, status.EnRouteToPickup, status.Pickup)
	if _, ok, err := l.TripDuration(ctx, 2); ok || err != nil {
		t.Errorf("ride with only pickup: ok=%v err=%v", ok, err)
	}
}

func TestStatusChangeCaseInsensitiveCountsForDuration(t *testing.T) {
	l, store := setupLog()
	ctx := context.Background()

	for _, e := range []struct {
		desc string
		at   time.Time
	}{
		{"Status changed to en-route-to-pickup", t0},
		{"Status changed to PICKUP", t0.Add(10 * time.Minute)},
		{"Status changed to Dropoff", t0.Add(55 * time.Minute)},
	} {
		if _, err := l.Append(ctx, 1, e.desc, e.at); err != nil {
			t.Fatalf("append %q: %v", e.desc, err)
		}
	}

	if got, _ := l.CurrentStatus(ctx, 1); got != status.Dropoff {
		t.Errorf("CurrentStatus = %s, want dropoff", got)
	}
	pickedUp, d, ok, err := l.Trip(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Trip: ok=%v err=%v", ok, err)
	}
	if d != 45*time.Minute || !pickedUp.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("Trip = %v at %v, want 45m at %v", d, pickedUp, t0.Add(10*time.Minute))
	}

	evs, _ := store.ListByRide(ctx, 1)
	if evs[1].Description != PickupDescription || evs[2].Description != DropoffDescription {
		t.Errorf("stored descriptions = %q, %q", evs[1].Description, evs[2].Description)
	}
}

func TestTripMatchesNonCanonicalStoredRows(t *testing.T) {
	l, store := setupLog()
	ctx := context.Background()

	for _, ev := range []Event{
		{RideID: 2, Description: "Status changed to Pickup", CreatedAt: t0},
		{RideID: 2, Description: "Status changed to DROPOFF", CreatedAt: t0.Add(2 * time.Hour)},
	} {
		if _, err := store.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	d, ok, err := l.TripDuration(ctx, 2)
	if err != nil || !ok || d != 2*time.Hour {
		t.Errorf("TripDuration = %v ok=%v err=%v, want 2h", d, ok, err)
	}
}

func TestEventsBetweenRequiresStrictlyLaterTimestamp(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()

	for _, e := range []struct {
		desc string
		at   time.Time
	}{
		{"start", t0},
		{"end", t0},
		{"start", t0.Add(time.Minute)},
		{"end", t0.Add(2 * time.Minute)},
	} {
		if _, err := l.Append(ctx, 3, e.desc, e.at); err != nil {
			t.Fatal(err)
		}
	}

	from, to, ok, err := l.EventsBetween(ctx, 3, "start", "end")
	if err != nil || !ok {
		t.Fatalf("EventsBetween: ok=%v err=%v", ok, err)
	}
	if !from.CreatedAt.Equal(t0) {
		t.Errorf("from = %v, want first start at %v", from.CreatedAt, t0)
	}
	if !to.CreatedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("to = %v, want %v", to.CreatedAt, t0.Add(2*time.Minute))
	}

	if _, _, ok, _ := l.EventsBetween(ctx, 3, "end", "missing"); ok {
		t.Error("expected not found")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l, _ := setupLog()
	ctx := context.Background()
	for i, d := range []string{"a", "b", "c"} {
		if _, err := l.Append(ctx, 1, d, t0.Add(time.Duration(i)*12*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Recent(ctx, 1, t0.Add(10*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Description != "c" || got[1].Description != "b" {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestStatusChangePublishesBothTopics(t *testing.T) {
	pub := newRecordingPublisher()
	l := NewLog(NewMemoryStore(), pub, discardLogger())

	if _, err := l.Append(context.Background(), 9, status.ChangeDescription(status.EnRouteToPickup), t0); err != nil {
		t.Fatal(err)
	}

	seen := map[string]published{}
	for len(seen) < 2 {
		select {
		case p := <-pub.ch:
			seen[p.topic] = p
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for messages, got %v", seen)
		}
	}
	changed, ok := seen[TopicStatusChanged].value.(StatusChangedEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", seen[TopicStatusChanged].value)
	}
	if changed.From != status.Requested || changed.To != status.EnRouteToPickup || changed.RideID != 9 {
		t.Errorf("StatusChangedEvent = %+v", changed)
	}
	if seen[TopicEventRecorded].key != "9" {
		t.Errorf("key = %q, want 9", seen[TopicEventRecorded].key)
	}
}
