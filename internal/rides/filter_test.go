package rides

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

type fakeDirectory struct {
	emails map[string]string // id -> email
	names  map[string]string // id -> "first last"
	roles  map[string]string
}

func (d *fakeDirectory) match(m map[string]string, substr string) []string {
	var ids []string
	for id, v := range m {
		if strings.Contains(strings.ToLower(v), strings.ToLower(substr)) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *fakeDirectory) MatchEmail(_ context.Context, substr string) ([]string, error) {
	return d.match(d.emails, substr), nil
}

func (d *fakeDirectory) MatchName(_ context.Context, substr string) ([]string, error) {
	return d.match(d.names, substr), nil
}

func (d *fakeDirectory) Role(_ context.Context, id string) (string, error) {
	return d.roles[id], nil
}

func ptr[T any](v T) *T { return &v }

func TestComposeValidation(t *testing.T) {
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	tests := []struct {
		name      string
		p         Params
		wantCoord bool
	}{
		{"lat without lon", Params{Lat: ptr(40.0)}, false},
		{"lon without lat", Params{Lon: ptr(-74.0)}, false},
		{"lat out of range", Params{Lat: ptr(95.0), Lon: ptr(0.0)}, true},
		{"lon out of range", Params{Lat: ptr(0.0), Lon: ptr(200.0)}, true},
		{"radius without point", Params{RadiusKm: ptr(5.0)}, false},
		{"negative radius", Params{Lat: ptr(0.0), Lon: ptr(0.0), RadiusKm: ptr(-1.0)}, false},
		{"pickup window inverted", Params{PickupFrom: &late, PickupTo: &early}, false},
		{"created window inverted", Params{CreatedFrom: &late, CreatedTo: &early}, false},
		{"role without user", Params{Role: RoleRider}, false},
		{"unknown role", Params{Role: "admin", UserID: "u1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(ctx, tt.p, nil)
			if !errors.Is(err, ErrInvalidFilter) {
				t.Fatalf("expected ErrInvalidFilter, got %v", err)
			}
			if tt.wantCoord && !errors.Is(err, geo.ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate in chain, got %v", err)
			}
		})
	}
}

func TestComposeEmptyMatchesAll(t *testing.T) {
	f, err := Compose(context.Background(), Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &Candidate{Ride: &Ride{ID: 1, RiderID: "r1"}}
	if !f.Match(c) {
		t.Error("empty filter should match everything")
	}
	if f.Origin() != nil {
		t.Error("empty filter should have no origin")
	}
}

func TestComposePredicates(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	driver := "d1"
	ride := &Ride{ID: 1, RiderID: "r1", DriverID: &driver, PickupTime: base, CreatedAt: base.Add(-time.Hour)}
	dir := &fakeDirectory{
		emails: map[string]string{"r1": "rider.one@example.com", "r2": "two@example.com"},
		names:  map[string]string{"r1": "Ana Lopez", "d1": "Bruno Diaz"},
	}

	tests := []struct {
		name   string
		p      Params
		status status.Status
		want   bool
	}{
		{"rider match", Params{Role: RoleRider, UserID: "r1"}, status.Requested, true},
		{"rider mismatch", Params{Role: RoleRider, UserID: "r2"}, status.Requested, false},
		{"driver match", Params{Role: RoleDriver, UserID: "d1"}, status.Requested, true},
		{"driver mismatch", Params{Role: RoleDriver, UserID: "d2"}, status.Requested, false},
		{"pickup from inclusive", Params{PickupFrom: &base}, status.Requested, true},
		{"pickup to inclusive", Params{PickupTo: &base}, status.Requested, true},
		{"pickup from after", Params{PickupFrom: ptr(base.Add(time.Second))}, status.Requested, false},
		{"pickup to before", Params{PickupTo: ptr(base.Add(-time.Second))}, status.Requested, false},
		{"created window", Params{CreatedFrom: ptr(base.Add(-2 * time.Hour)), CreatedTo: &base}, status.Requested, true},
		{"status match", Params{Status: ptr(status.Pickup)}, status.Pickup, true},
		{"status mismatch", Params{Status: ptr(status.Completed)}, status.Pickup, false},
		{"rider email", Params{RiderEmail: "RIDER.ONE"}, status.Requested, true},
		{"rider email miss", Params{RiderEmail: "nobody"}, status.Requested, false},
		{"rider name", Params{RiderName: "lopez"}, status.Requested, true},
		{"driver name", Params{DriverName: "bruno"}, status.Requested, true},
		{"driver name miss", Params{DriverName: "ana"}, status.Requested, false},
		{"all combined", Params{
			Role: RoleRider, UserID: "r1",
			Status:     ptr(status.Pickup),
			PickupFrom: ptr(base.Add(-time.Minute)), PickupTo: ptr(base.Add(time.Minute)),
		}, status.Pickup, true},
		{"combined one fails", Params{
			Role: RoleRider, UserID: "r1",
			Status:     ptr(status.Dropoff),
			PickupFrom: ptr(base.Add(-time.Minute)),
		}, status.Pickup, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compose(context.Background(), tt.p, dir)
			if err != nil {
				t.Fatalf("Compose: %v", err)
			}
			c := &Candidate{Ride: ride, Status: tt.status}
			if got := f.Match(c); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComposeRadius(t *testing.T) {
	f, err := Compose(context.Background(), Params{Lat: ptr(0.0), Lon: ptr(0.0), RadiusKm: ptr(10.0)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	near := &Candidate{Ride: &Ride{ID: 1}, DistanceKm: 9.9, HasDistance: true}
	edge := &Candidate{Ride: &Ride{ID: 2}, DistanceKm: 10, HasDistance: true}
	far := &Candidate{Ride: &Ride{ID: 3}, DistanceKm: 10.1, HasDistance: true}
	if !f.Match(near) || !f.Match(edge) || f.Match(far) {
		t.Errorf("radius predicate: near=%v edge=%v far=%v", f.Match(near), f.Match(edge), f.Match(far))
	}
}

func TestComposeUserFiltersNeedDirectory(t *testing.T) {
	_, err := Compose(context.Background(), Params{RiderName: "ana"}, nil)
	if !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestScopeToCaller(t *testing.T) {
	var p Params
	if err := ScopeToCaller(&p, "r1", RoleRider); err != nil {
		t.Fatal(err)
	}
	if p.Role != RoleRider || p.UserID != "r1" {
		t.Errorf("params = %+v", p)
	}

	p = Params{Role: RoleDriver, UserID: "d9"}
	if err := ScopeToCaller(&p, "r1", RoleRider); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	p = Params{Role: RoleDriver, UserID: "d9"}
	if err := ScopeToCaller(&p, "admin-1", "admin"); err != nil || p.UserID != "d9" {
		t.Errorf("admin scope changed params: %+v %v", p, err)
	}
}
