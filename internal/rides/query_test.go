package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"testing"
	"time"

	"ride-query/internal/events"
	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func setupEngine() (*Engine, *MemoryStore, *events.Log) {
	store := NewMemoryStore()
	log := events.NewLog(events.NewMemoryStore(), nil, discardLogger())
	dir := &fakeDirectory{
		emails: map[string]string{"r1": "ana@example.com", "r2": "ben@example.com"},
		names:  map[string]string{"r1": "Ana Lopez", "r2": "Ben Okafor", "d1": "Dana Cruz"},
		roles:  map[string]string{"r1": "rider", "r2": "rider", "d1": "driver"},
	}
	return NewEngine(store, log, dir, discardLogger(), 0, 0), store, log
}

func mustCreate(t *testing.T, s *MemoryStore, r Ride) *Ride {
	t.Helper()
	if err := s.Create(context.Background(), &r); err != nil {
		t.Fatal(err)
	}
	return &r
}

func ids(p *Page) []int64 {
	out := make([]int64, len(p.Results))
	for i, r := range p.Results {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueryDistanceSortWithTieBreak(t *testing.T) {
	e, store, _ := setupEngine()
	ctx := context.Background()

	nyc := geo.Point{Lat: 40.7128, Lon: -74.0060}
	far := mustCreate(t, store, Ride{RiderID: "r1", Pickup: geo.Point{Lat: 42.3601, Lon: -71.0589}, CreatedAt: base})
	tieA := mustCreate(t, store, Ride{RiderID: "r1", Pickup: geo.Point{Lat: 40.73, Lon: -73.99}, CreatedAt: base})
	tieB := mustCreate(t, store, Ride{RiderID: "r2", Pickup: geo.Point{Lat: 40.73, Lon: -73.99}, CreatedAt: base})
	same := mustCreate(t, store, Ride{RiderID: "r2", Pickup: nyc, CreatedAt: base})

	page, err := e.Query(ctx, Params{Lat: &nyc.Lat, Lon: &nyc.Lon}, SortDistance, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{same.ID, tieA.ID, tieB.ID, far.ID}
	if got := ids(page); !equalIDs(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := 1; i < len(page.Results); i++ {
		if *page.Results[i].DistanceKm < *page.Results[i-1].DistanceKm {
			t.Fatalf("distances not non-decreasing at %d", i)
		}
	}
	if *page.Results[0].DistanceKm != 0 {
		t.Errorf("distance of ride at origin = %v", *page.Results[0].DistanceKm)
	}
}

func TestQueryDistanceSortRequiresPoint(t *testing.T) {
	e, _, _ := setupEngine()
	_, err := e.Query(context.Background(), Params{}, SortDistance, PageRequest{})
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestQueryDistanceSortCap(t *testing.T) {
	e, store, _ := setupEngine()
	ctx := context.Background()
	lat, lon := 40.7128, -74.0060

	for i := 0; i < MaxDistanceSortCandidates; i++ {
		mustCreate(t, store, Ride{RiderID: "r1", Pickup: geo.Point{Lat: 40 + float64(i%100)/100, Lon: -74}, CreatedAt: base})
	}
	page, err := e.Query(ctx, Params{Lat: &lat, Lon: &lon}, SortDistance, PageRequest{Size: 5})
	if err != nil {
		t.Fatalf("at the cap: %v", err)
	}
	if page.Count != MaxDistanceSortCandidates || len(page.Results) != 5 {
		t.Errorf("count=%d results=%d", page.Count, len(page.Results))
	}

	mustCreate(t, store, Ride{RiderID: "r2", Pickup: geo.Point{Lat: 41, Lon: -74}, CreatedAt: base})
	_, err = e.Query(ctx, Params{Lat: &lat, Lon: &lon}, SortDistance, PageRequest{Size: 5})
	if !errors.Is(err, ErrResultSetTooLarge) {
		t.Fatalf("expected ErrResultSetTooLarge, got %v", err)
	}
	var tl *TooLargeError
	if !errors.As(err, &tl) || tl.Count != MaxDistanceSortCandidates+1 || tl.Limit != MaxDistanceSortCandidates {
		t.Errorf("TooLargeError = %+v", tl)
	}

	// narrowing the candidate set lifts the refusal
	page, err = e.Query(ctx, Params{Lat: &lat, Lon: &lon, Role: RoleRider, UserID: "r2"}, SortDistance, PageRequest{})
	if err != nil || page.Count != 1 {
		t.Fatalf("narrowed query: count=%v err=%v", page, err)
	}

	// non-distance sorts are not capped
	if _, err := e.Query(ctx, Params{}, SortCreatedAt, PageRequest{Size: 1}); err != nil {
		t.Fatalf("created_at sort over large set: %v", err)
	}
}

func TestQueryPickupTimeAndDefaultOrder(t *testing.T) {
	e, store, _ := setupEngine()
	ctx := context.Background()

	a := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base.Add(2 * time.Hour), CreatedAt: base})
	b := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base.Add(time.Hour), CreatedAt: base.Add(time.Minute)})
	c := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base.Add(time.Hour), CreatedAt: base.Add(time.Minute)})

	page, err := e.Query(ctx, Params{}, SortPickupTime, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{b.ID, c.ID, a.ID}; !equalIDs(got, want) {
		t.Errorf("pickup_time order = %v, want %v", got, want)
	}

	page, err = e.Query(ctx, Params{}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{b.ID, c.ID, a.ID}; !equalIDs(got, want) {
		t.Errorf("default order = %v, want %v", got, want)
	}
	if page.Results[0].DistanceKm != nil {
		t.Error("distance attached without lat/lon")
	}
}

func TestQueryPagination(t *testing.T) {
	e, store, _ := setupEngine()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base.Add(time.Duration(i) * time.Minute), CreatedAt: base})
	}

	page, err := e.Query(ctx, Params{}, SortPickupTime, PageRequest{Page: 3, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{21, 22, 23, 24, 25}; !equalIDs(got, want) {
		t.Errorf("page 3 = %v, want %v", got, want)
	}
	if page.Count != 25 {
		t.Errorf("count = %d, want 25", page.Count)
	}

	page, err = e.Query(ctx, Params{}, SortPickupTime, PageRequest{Page: 10, Size: 10})
	if err != nil {
		t.Fatalf("page beyond the end: %v", err)
	}
	if len(page.Results) != 0 || page.Results == nil {
		t.Errorf("expected empty non-nil page, got %v", page.Results)
	}
}

func TestQueryHugePageNumberIsEmpty(t *testing.T) {
	e, store, _ := setupEngine()
	for i := 0; i < 3; i++ {
		mustCreate(t, store, Ride{RiderID: "r1", CreatedAt: base})
	}

	for _, tc := range []struct {
		page string
		size string
	}{
		{strconv.Itoa(math.MaxInt), ""},
		{strconv.Itoa(math.MaxInt), "100"},
		{strconv.Itoa(math.MaxInt/20 + 1), "20"},
		{"2", "3"},
	} {
		t.Run("page="+tc.page+",size="+tc.size, func(t *testing.T) {
			q := url.Values{"page": {tc.page}}
			if tc.size != "" {
				q.Set("page_size", tc.size)
			}
			p, by, pr, err := ParseQuery(q)
			if err != nil {
				t.Fatal(err)
			}
			page, err := e.Query(context.Background(), p, by, pr)
			if err != nil {
				t.Fatal(err)
			}
			if page.Count != 3 || len(page.Results) != 0 || page.Results == nil {
				t.Errorf("count=%d results=%v, want 3 and an empty page", page.Count, page.Results)
			}
		})
	}
}

func TestQueryPageSizeCapped(t *testing.T) {
	e, store, _ := setupEngine()
	for i := 0; i < 120; i++ {
		mustCreate(t, store, Ride{RiderID: "r1", CreatedAt: base})
	}
	page, err := e.Query(context.Background(), Params{}, SortDefault, PageRequest{Size: 500})
	if err != nil {
		t.Fatal(err)
	}
	if page.PageSize != MaxPageSize || len(page.Results) != MaxPageSize {
		t.Errorf("page_size=%d results=%d, want %d", page.PageSize, len(page.Results), MaxPageSize)
	}

	page, err = e.Query(context.Background(), Params{}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if page.PageSize != DefaultPageSize {
		t.Errorf("default page_size = %d", page.PageSize)
	}

	if _, err := e.Query(context.Background(), Params{}, SortDefault, PageRequest{Page: -1}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("negative page: %v", err)
	}
}

func TestQueryStatusAndWindowIntersection(t *testing.T) {
	e, store, log := setupEngine()
	ctx := context.Background()

	complete := func(id int64, at time.Time) {
		for i, s := range []status.Status{status.EnRouteToPickup, status.Pickup, status.Dropoff, status.Completed} {
			if _, err := log.Append(ctx, id, status.ChangeDescription(s), at.Add(time.Duration(i)*time.Minute)); err != nil {
				t.Fatal(err)
			}
		}
	}

	early := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base, CreatedAt: base})
	late := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base.Add(5 * time.Hour), CreatedAt: base})
	open := mustCreate(t, store, Ride{RiderID: "r1", PickupTime: base, CreatedAt: base})
	complete(early.ID, base)
	complete(late.ID, base)
	if _, err := log.Append(ctx, open.ID, status.ChangeDescription(status.Cancelled), base); err != nil {
		t.Fatal(err)
	}

	completed := status.Completed
	page, err := e.Query(ctx, Params{Status: &completed}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{early.ID, late.ID}; !equalIDs(got, want) {
		t.Fatalf("status=completed: %v, want %v", got, want)
	}
	for _, r := range page.Results {
		if r.Status != status.Completed {
			t.Errorf("ride %d status %s", r.ID, r.Status)
		}
	}

	to := base.Add(time.Hour)
	page, err = e.Query(ctx, Params{Status: &completed, PickupTo: &to}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{early.ID}; !equalIDs(got, want) {
		t.Errorf("status+window: %v, want %v", got, want)
	}

	page, err = e.Query(ctx, Params{}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range page.Results {
		if r.ID == open.ID && r.Status != status.Cancelled {
			t.Errorf("status not attached to unfiltered results: %s", r.Status)
		}
	}
}

func TestQueryRadiusAndUserFilters(t *testing.T) {
	e, store, _ := setupEngine()
	ctx := context.Background()
	driver := "d1"

	near := mustCreate(t, store, Ride{RiderID: "r1", DriverID: &driver, Pickup: geo.Point{Lat: 40.72, Lon: -74.00}, CreatedAt: base})
	mustCreate(t, store, Ride{RiderID: "r2", Pickup: geo.Point{Lat: 40.72, Lon: -74.00}, CreatedAt: base})
	mustCreate(t, store, Ride{RiderID: "r1", Pickup: geo.Point{Lat: 34.05, Lon: -118.24}, CreatedAt: base})

	lat, lon, radius := 40.7128, -74.0060, 5.0
	page, err := e.Query(ctx, Params{Lat: &lat, Lon: &lon, RadiusKm: &radius, RiderEmail: "ana@"}, SortDistance, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{near.ID}; !equalIDs(got, want) {
		t.Errorf("radius+rider_email: %v, want %v", got, want)
	}

	page, err = e.Query(ctx, Params{DriverName: "cruz"}, SortDefault, PageRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(page), []int64{near.ID}; !equalIDs(got, want) {
		t.Errorf("driver_name: %v, want %v", got, want)
	}
}
