package users

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ride-query/pkg/geo"
	"ride-query/pkg/jwt"
)

// Handler exposes user HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler wires a handler to the user service.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns a chi.Router with all user routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Public
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireAuth)
		r.With(jwt.RequireRole(jwt.RoleDriver)).Patch("/me/location", h.UpdateLocation)
		r.Get("/{id}", h.GetProfile)
	})

	return r
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	// admins are only created by other admins
	if req.Role == RoleAdmin {
		if c := jwt.GetClaims(r.Context()); c == nil || c.Role != RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin accounts require an admin token"})
			return
		}
	}
	resp, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	resp, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c := jwt.GetClaims(r.Context())
	if c.Role != RoleAdmin && c.UserID != id {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	u, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	c := jwt.GetClaims(r.Context())
	if err := h.svc.UpdateLocation(r.Context(), c.UserID, req); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": c.UserID, "lat": req.Lat, "lon": req.Lon})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, geo.ErrInvalidCoordinate):
		code = http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials):
		code = http.StatusUnauthorized
	case errors.Is(err, ErrNotDriver):
		code = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("user request failed", "err", err)
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
