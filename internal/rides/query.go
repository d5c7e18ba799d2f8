package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ride-query/internal/metrics"
	"ride-query/internal/status"
	"ride-query/pkg/geo"
)

// MaxDistanceSortCandidates bounds how many rides a distance sort will rank.
const MaxDistanceSortCandidates = 10000

// Page size limits when none are configured.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// StatusSource yields a ride's current status.
type StatusSource interface {
	CurrentStatus(ctx context.Context, rideID int64) (status.Status, error)
}

// Engine filters, ranks and paginates rides. It only reads.
type Engine struct {
	store    Store
	statuses StatusSource
	users    UserDirectory
	logger   *slog.Logger

	defaultPageSize int
	maxPageSize     int
}

// NewEngine creates a query engine. Non-positive page sizes fall back to
// DefaultPageSize and MaxPageSize.
func NewEngine(store Store, statuses StatusSource, users UserDirectory, logger *slog.Logger, defaultPageSize, maxPageSize int) *Engine {
	if maxPageSize <= 0 {
		maxPageSize = MaxPageSize
	}
	if defaultPageSize <= 0 || defaultPageSize > maxPageSize {
		defaultPageSize = min(DefaultPageSize, maxPageSize)
	}
	return &Engine{
		store:           store,
		statuses:        statuses,
		users:           users,
		logger:          logger.With("component", "query"),
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Query applies p, orders by by and returns the requested page. A distance
// sort over more than MaxDistanceSortCandidates rides fails with a
// *TooLargeError instead of truncating.
func (e *Engine) Query(ctx context.Context, p Params, by Sort, pr PageRequest) (*Page, error) {
	start := time.Now()
	if by == SortDefault {
		by = SortCreatedAt
	}
	page, err := e.query(ctx, p, by, pr)

	outcome := "ok"
	switch {
	case err == nil:
	case isTooLarge(err):
		outcome = "too_large"
	default:
		outcome = "error"
	}
	metrics.QueriesTotal.WithLabelValues(string(by), outcome).Inc()
	metrics.QueryDuration.WithLabelValues(string(by)).Observe(time.Since(start).Seconds())
	return page, err
}

func (e *Engine) query(ctx context.Context, p Params, by Sort, pr PageRequest) (*Page, error) {
	if by == SortDistance && (p.Lat == nil || p.Lon == nil) {
		return nil, invalidf("lat and lon are required for distance sorting")
	}
	pageNum, size, err := e.normalizePage(pr)
	if err != nil {
		return nil, err
	}

	f, err := Compose(ctx, p, e.users)
	if err != nil {
		return nil, err
	}

	rides, err := e.store.List(ctx, f.scope)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}

	candidates, err := e.candidates(ctx, f, rides)
	if err != nil {
		return nil, err
	}
	metrics.QueryCandidates.Observe(float64(len(candidates)))

	if by == SortDistance && len(candidates) > MaxDistanceSortCandidates {
		metrics.DistanceSortRefusals.Inc()
		e.logger.Warn("distance sort refused", "candidates", len(candidates), "limit", MaxDistanceSortCandidates)
		return nil, &TooLargeError{Count: len(candidates), Limit: MaxDistanceSortCandidates}
	}

	sortCandidates(candidates, by)

	out := &Page{Count: len(candidates), Page: pageNum, PageSize: size, Results: []Result{}}
	// compare page counts before multiplying; huge page numbers overflow
	if pages := (len(candidates) + size - 1) / size; pageNum > pages {
		return out, nil
	}
	offset := (pageNum - 1) * size
	end := min(offset+size, len(candidates))

	for _, c := range candidates[offset:end] {
		if !f.needsStatus {
			st, err := e.statuses.CurrentStatus(ctx, c.Ride.ID)
			if err != nil {
				return nil, fmt.Errorf("status of ride %d: %w", c.Ride.ID, err)
			}
			c.Status = st
		}
		res := Result{Ride: *c.Ride, Status: c.Status}
		if c.HasDistance {
			d := c.DistanceKm
			res.DistanceKm = &d
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func (e *Engine) normalizePage(pr PageRequest) (int, int, error) {
	if pr.Page < 0 {
		return 0, 0, invalidf("page must be a positive integer")
	}
	if pr.Size < 0 {
		return 0, 0, invalidf("page_size must be a positive integer")
	}
	pageNum, size := pr.Page, pr.Size
	if pageNum == 0 {
		pageNum = 1
	}
	if size == 0 {
		size = e.defaultPageSize
	}
	if size > e.maxPageSize {
		e.logger.Warn("page size exceeds maximum, capping", "requested", size, "max", e.maxPageSize)
		size = e.maxPageSize
	}
	return pageNum, size, nil
}

func (e *Engine) candidates(ctx context.Context, f *Filter, rides []*Ride) ([]*Candidate, error) {
	out := make([]*Candidate, 0, len(rides))
	for _, r := range rides {
		c := &Candidate{Ride: r}
		if f.needsStatus {
			st, err := e.statuses.CurrentStatus(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("status of ride %d: %w", r.ID, err)
			}
			c.Status = st
		}
		if f.origin != nil {
			d, err := geo.Distance(*f.origin, r.Pickup)
			if err != nil {
				e.logger.Warn("skipping ride with invalid pickup", "ride_id", r.ID, "error", err)
				continue
			}
			c.DistanceKm, c.HasDistance = d, true
		}
		if f.Match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// sortCandidates orders by the chosen key with ride id ascending as the
// final tie-break.
func sortCandidates(cs []*Candidate, by Sort) {
	var less func(a, b *Candidate) bool
	switch by {
	case SortDistance:
		less = func(a, b *Candidate) bool {
			if a.DistanceKm != b.DistanceKm {
				return a.DistanceKm < b.DistanceKm
			}
			return a.Ride.ID < b.Ride.ID
		}
	case SortPickupTime:
		less = func(a, b *Candidate) bool {
			if !a.Ride.PickupTime.Equal(b.Ride.PickupTime) {
				return a.Ride.PickupTime.Before(b.Ride.PickupTime)
			}
			return a.Ride.ID < b.Ride.ID
		}
	default:
		less = func(a, b *Candidate) bool {
			if !a.Ride.CreatedAt.Equal(b.Ride.CreatedAt) {
				return a.Ride.CreatedAt.After(b.Ride.CreatedAt)
			}
			return a.Ride.ID < b.Ride.ID
		}
	}
	sort.Slice(cs, func(i, j int) bool { return less(cs[i], cs[j]) })
}

func isTooLarge(err error) bool {
	var tl *TooLargeError
	return errors.As(err, &tl)
}
