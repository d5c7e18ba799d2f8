// Package reports aggregates completed rides for administrators.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ride-query/internal/rides"
	"ride-query/pkg/jwt"
)

// DefaultThreshold is the trip length a ride must exceed to count as long.
const DefaultThreshold = time.Hour

// RideSource lists rides and when and how long their trips ran.
type RideSource interface {
	All(ctx context.Context) ([]*rides.Ride, error)
	Trip(ctx context.Context, rideID int64) (pickedUp time.Time, d time.Duration, ok bool, err error)
}

// Names renders a user for display.
type Names interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Row counts a driver's long trips in the month their pickup was recorded.
type Row struct {
	Month  string `json:"month"` // YYYY-MM
	Driver string `json:"driver"`
	Count  int    `json:"count"`
}

// Service builds reports.
type Service struct {
	rides  RideSource
	names  Names
	logger *slog.Logger
}

// NewService creates a report service.
func NewService(r RideSource, n Names, logger *slog.Logger) *Service {
	return &Service{rides: r, names: n, logger: logger.With("component", "reports")}
}

// LongTrips counts, per month of the pickup event and driver, rides whose
// trip lasted longer than threshold. Rides without a driver or without a
// pickup/dropoff pair are skipped.
func (s *Service) LongTrips(ctx context.Context, threshold time.Duration) ([]Row, error) {
	all, err := s.rides.All(ctx)
	if err != nil {
		return nil, err
	}

	type key struct{ month, driver string }
	counts := make(map[key]int)
	names := make(map[string]string)
	for _, r := range all {
		if r.DriverID == nil {
			continue
		}
		pickedUp, d, ok, err := s.rides.Trip(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if !ok || d <= threshold {
			continue
		}
		driver := s.displayName(ctx, *r.DriverID, names)
		counts[key{pickedUp.UTC().Format("2006-01"), driver}]++
	}

	rows := make([]Row, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, Row{Month: k.month, Driver: k.driver, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Month != rows[j].Month {
			return rows[i].Month < rows[j].Month
		}
		return rows[i].Driver < rows[j].Driver
	})
	return rows, nil
}

func (s *Service) displayName(ctx context.Context, id string, memo map[string]string) string {
	if n, ok := memo[id]; ok {
		return n
	}
	n, err := s.names.DisplayName(ctx, id)
	if err != nil {
		s.logger.Warn("driver name lookup failed", "driver_id", id, "err", err)
		n = id
	}
	memo[id] = n
	return n
}

// Handler exposes reports over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler wires a handler to the report service.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the admin-only report routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth, jwt.RequireRole(jwt.RoleAdmin))
	r.Get("/long-trips", h.LongTrips)
	return r
}

// LongTrips serves the report; ?min_minutes overrides the one hour threshold.
func (h *Handler) LongTrips(w http.ResponseWriter, r *http.Request) {
	threshold := DefaultThreshold
	if v := r.URL.Query().Get("min_minutes"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "min_minutes must be a non-negative integer"})
			return
		}
		threshold = time.Duration(m) * time.Minute
	}
	rows, err := h.svc.LongTrips(r.Context(), threshold)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("long trip report failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold_minutes": int(threshold.Minutes()), "results": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
