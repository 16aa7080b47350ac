package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/safewalk/internal/models"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForScreens(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d screens, have %d", n, h.Len())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBroadcastReachesScreens(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()
	defer h.Close()

	a, b := dial(t, srv), dial(t, srv)
	defer a.Close()
	defer b.Close()
	waitForScreens(t, h, 2)

	h.PublishHeartbeat(models.HeartbeatRecord{SubjectID: "w1", Success: true, MatchingSignal: true})

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m Message
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type != "heartbeat" || m.Heartbeat == nil || !m.Heartbeat.MatchingSignal {
			t.Fatalf("unexpected message %+v", m)
		}
	}
}

func TestLateScreenGetsReplay(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()
	defer h.Close()

	h.PublishTrip(models.Request{RequestID: "req_1", Status: models.StatusAssigned})

	c := dial(t, srv)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != "trip" || m.Trip == nil || m.Trip.Status != models.StatusAssigned {
		t.Fatalf("unexpected replay %+v", m)
	}
}

func TestClosedScreenIsDropped(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	c := dial(t, srv)
	waitForScreens(t, h, 1)
	c.Close()
	waitForScreens(t, h, 0)
}
