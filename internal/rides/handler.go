package rides

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ride-query/internal/events"
	"ride-query/internal/status"
	"ride-query/pkg/geo"
	"ride-query/pkg/jwt"
)

const narrowSuggestion = "Try adding filters like status, date_from, date_to, or pickup_from to reduce the dataset size."

// Handler exposes ride HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler wires a handler to the ride service.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "rides_http")}
}

// Routes returns a chi.Router with all ride routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Get("/", h.List)
	r.With(jwt.RequireRole(jwt.RoleRider)).Post("/", h.Create)
	r.Get("/{id}", h.GetByID)
	r.With(jwt.RequireRole(jwt.RoleAdmin)).Patch("/{id}/assign", h.Assign)
	r.Get("/{id}/events", h.ListEvents)
	r.Post("/{id}/events", h.RecordEvent)
	r.Get("/{id}/status", h.Status)
	r.Get("/{id}/duration", h.Duration)

	return r
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	p, by, pr, err := ParseQuery(r.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := ScopeToCaller(&p, claims.UserID, claims.Role); err != nil {
		h.writeError(w, err)
		return
	}

	page, err := h.svc.Query(r.Context(), p, by, pr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	ride, err := h.svc.Create(r.Context(), claims.UserID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// visibleRide loads the ride named in the URL and checks read access.
func (h *Handler) visibleRide(w http.ResponseWriter, r *http.Request) (*Ride, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrNotFound.Error()})
		return nil, false
	}
	ride, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	claims := jwt.GetClaims(r.Context())
	if !CanView(ride, claims.UserID, claims.Role) {
		// do not reveal that the ride exists
		h.writeError(w, ErrNotFound)
		return nil, false
	}
	return ride, true
}

func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	ride, ok := h.visibleRide(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Detail(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, ErrNotFound)
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id is required"})
		return
	}
	ride, err := h.svc.AssignDriver(r.Context(), id, req.DriverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ride, ok := h.visibleRide(w, r)
	if !ok {
		return
	}
	evs, err := h.svc.Events(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "events": evs})
}

func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	ride, ok := h.visibleRide(w, r)
	if !ok {
		return
	}
	claims := jwt.GetClaims(r.Context())
	if !CanRecord(ride, claims.UserID, claims.Role) {
		h.writeError(w, ErrForbidden)
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	var at time.Time
	if req.CreatedAt != nil {
		at = *req.CreatedAt
	}
	ev, err := h.svc.RecordEvent(r.Context(), ride.ID, req.Description, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ride, ok := h.visibleRide(w, r)
	if !ok {
		return
	}
	st, err := h.svc.CurrentStatus(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": ride.ID, "status": st})
}

func (h *Handler) Duration(w http.ResponseWriter, r *http.Request) {
	ride, ok := h.visibleRide(w, r)
	if !ok {
		return
	}
	d, found, err := h.svc.TripDuration(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ride_id":          ride.ID,
		"duration_seconds": d.Seconds(),
		"duration_hours":   d.Hours(),
	})
}

// writeError maps domain errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var tooLarge *TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "Too many results for distance sorting. Please add filters to reduce results to under " + strconv.Itoa(tooLarge.Limit) + ".",
			"current_count": tooLarge.Count,
			"max_limit":     tooLarge.Limit,
			"suggestion":    narrowSuggestion,
		})
	case errors.Is(err, ErrInvalidFilter),
		errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, ErrInvalidAssignment):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, status.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
