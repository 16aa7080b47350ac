// Package relay forwards heartbeat records and trip snapshots to screens
// attached over a websocket. Screens only read; anything they send is
// discarded.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/observability"
)

const writeWait = 2 * time.Second

type Message struct {
	Type      string                  `json:"type"`
	Heartbeat *models.HeartbeatRecord `json:"heartbeat,omitempty"`
	Trip      *models.Request         `json:"trip,omitempty"`
}

// screen is one attached connection. Writes are serialised per connection.
type screen struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *screen) send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	screens map[*screen]struct{}
	last    map[string]Message
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		screens:  make(map[*screen]struct{}),
		last:     make(map[string]Message),
	}
}

// Router serves the websocket plus health and metrics endpoints.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeWS attaches a screen and replays the latest message of each type.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay_upgrade_failed", "error", err)
		return
	}
	s := &screen{conn: conn}

	h.mu.Lock()
	h.screens[s] = struct{}{}
	replay := make([]Message, 0, len(h.last))
	for _, m := range h.last {
		replay = append(replay, m)
	}
	n := len(h.screens)
	h.mu.Unlock()
	observability.RelayClients.Set(float64(n))

	for _, m := range replay {
		if err := s.send(m); err != nil {
			h.drop(s)
			return
		}
	}
	go h.readUntilClosed(s)
}

func (h *Hub) readUntilClosed(s *screen) {
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			h.drop(s)
			return
		}
	}
}

func (h *Hub) drop(s *screen) {
	h.mu.Lock()
	_, ok := h.screens[s]
	delete(h.screens, s)
	n := len(h.screens)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
		observability.RelayClients.Set(float64(n))
	}
}

// Broadcast sends m to every screen, dropping screens that fail.
func (h *Hub) Broadcast(m Message) {
	h.mu.Lock()
	h.last[m.Type] = m
	targets := make([]*screen, 0, len(h.screens))
	for s := range h.screens {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.send(m); err != nil {
			h.logger.Debug("relay_send_failed", "error", err)
			h.drop(s)
		}
	}
}

// PublishHeartbeat has the signature of a heartbeat subscriber.
func (h *Hub) PublishHeartbeat(rec models.HeartbeatRecord) {
	h.Broadcast(Message{Type: "heartbeat", Heartbeat: &rec})
}

// PublishTrip has the signature of a trip watch callback.
func (h *Hub) PublishTrip(req models.Request) {
	h.Broadcast(Message{Type: "trip", Trip: &req})
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.screens)
}

// Close detaches every screen.
func (h *Hub) Close() {
	h.mu.Lock()
	screens := h.screens
	h.screens = make(map[*screen]struct{})
	h.mu.Unlock()
	for s := range screens {
		_ = s.conn.Close()
	}
	observability.RelayClients.Set(0)
}
