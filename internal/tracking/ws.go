package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ride-query/internal/events"
	"ride-query/internal/rides"
	"ride-query/pkg/jwt"
)

// Group is the consumer group the hub reads bus topics with.
const Group = "tracking-group"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is pushed to every client watching a ride.
type Message struct {
	Type        string `json:"type"` // "status" or "event"
	RideID      int64  `json:"ride_id"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
	At          string `json:"at"`
}

// RideViewer loads rides for the access check on connect.
type RideViewer interface {
	Get(ctx context.Context, id int64) (*rides.Ride, error)
}

// safeConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket allows one concurrent writer; this enforces that.
type safeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub manages WebSocket connections per ride.
type Hub struct {
	rides  RideViewer
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[int64][]*safeConn
}

// NewHub creates a tracking hub.
func NewHub(r RideViewer, logger *slog.Logger) *Hub {
	return &Hub{rides: r, logger: logger.With("component", "tracking"), conns: make(map[int64][]*safeConn)}
}

// Routes returns a chi.Router for the /ws mount point.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/rides/{id}", h.HandleWS)
	return r
}

// Start feeds status changes and recorded events from the bus to clients.
func (h *Hub) Start(ctx context.Context, sub events.Subscriber) {
	sub.Subscribe(ctx, events.TopicStatusChanged, Group, func(data []byte) error {
		var ev events.StatusChangedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		h.Broadcast(Message{Type: "status", RideID: ev.RideID, Status: string(ev.To), At: ev.At})
		return nil
	})
	sub.Subscribe(ctx, events.TopicEventRecorded, Group, func(data []byte) error {
		var ev events.EventRecordedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		h.Broadcast(Message{Type: "event", RideID: ev.RideID, Description: ev.Description, At: ev.At})
		return nil
	})
}

// claims accepts a bearer header or, for browsers, a ?token= query parameter.
func claims(r *http.Request) *jwt.Claims {
	if c := jwt.GetClaims(r.Context()); c != nil {
		return c
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		if c, err := jwt.Validate(tok); err == nil {
			return c
		}
	}
	return nil
}

// HandleWS upgrades the connection and subscribes it to a ride the caller
// may view.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	if c == nil {
		http.Error(w, `{"error":"missing or invalid token"}`, http.StatusUnauthorized)
		return
	}
	rideID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || rideID <= 0 {
		http.Error(w, `{"error":"invalid ride id"}`, http.StatusBadRequest)
		return
	}
	ride, err := h.rides.Get(r.Context(), rideID)
	if err != nil || !rides.CanView(ride, c.UserID, c.Role) {
		http.Error(w, `{"error":"ride not found"}`, http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}
	conn := &safeConn{ws: ws}
	h.add(rideID, conn)
	h.logger.Info("client connected", "ride_id", rideID, "user_id", c.UserID)

	// Block until the client disconnects
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	h.removeConn(rideID, conn)
	ws.Close()
	h.logger.Info("client disconnected", "ride_id", rideID, "user_id", c.UserID)
}

// Broadcast pushes msg to every subscriber of msg.RideID.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	conns := append([]*safeConn(nil), h.conns[msg.RideID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			h.logger.Warn("write failed", "ride_id", msg.RideID, "err", err)
		}
	}
}

// Watchers returns how many clients follow a ride.
func (h *Hub) Watchers(rideID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[rideID])
}

func (h *Hub) add(rideID int64, conn *safeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[rideID] = append(h.conns[rideID], conn)
}

func (h *Hub) removeConn(rideID int64, conn *safeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[rideID]
	for i, c := range conns {
		if c == conn {
			h.conns[rideID] = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[rideID]) == 0 {
		delete(h.conns, rideID)
	}
}
