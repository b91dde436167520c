package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
)

func newTestHub() (*Hub, *events.Bus) {
	bus := events.NewBus()
	return NewHub(bus, slog.Default()), bus
}

func TestRegisterAndHeartbeat(t *testing.T) {
	h, bus := newTestHub()

	var joined atomic.Int32
	bus.On("cluster.nodeJoined", func(events.Event) { joined.Add(1) })

	n, err := h.Register(RegisterRequest{Name: "worker-1", URL: "http://n1:7200", Capacity: 8})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if n.ID == "" || !n.Online {
		t.Fatalf("node = %+v", n)
	}
	if joined.Load() != 1 {
		t.Fatalf("nodeJoined not emitted")
	}

	if err := h.Heartbeat(n.ID, 3); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := h.Heartbeat("node-missing", 1); !kerr.IsKind(err, kerr.NotFound) {
		t.Fatalf("heartbeat to ghost node: %v", err)
	}

	nodes := h.Nodes()
	if len(nodes) != 1 || nodes[0].Load != 3 {
		t.Fatalf("nodes = %+v", nodes)
	}

	if _, err := h.Register(RegisterRequest{URL: "", Capacity: 4}); !kerr.IsKind(err, kerr.Validation) {
		t.Fatalf("empty url accepted: %v", err)
	}
}

func TestHealthCheckMarksOffline(t *testing.T) {
	h, bus := newTestHub()

	var offline atomic.Int32
	bus.On("cluster.nodeOffline", func(events.Event) { offline.Add(1) })

	now := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }

	n, _ := h.Register(RegisterRequest{Name: "w", URL: "http://n:7200", Capacity: 4})

	now = now.Add(10 * time.Second)
	h.CheckHealth()
	if h.Nodes()[0].Online != true {
		t.Fatalf("node offline too early")
	}

	now = now.Add(30 * time.Second)
	h.CheckHealth()
	if h.Nodes()[0].Online {
		t.Fatalf("silent node still online")
	}
	if offline.Load() != 1 {
		t.Fatalf("nodeOffline emitted %d times", offline.Load())
	}

	// A late heartbeat brings the node back.
	if err := h.Heartbeat(n.ID, 0); err != nil {
		t.Fatalf("late heartbeat: %v", err)
	}
	if !h.Nodes()[0].Online {
		t.Fatalf("node not revived by heartbeat")
	}
}

func TestRouteSpawnPicksLeastLoaded(t *testing.T) {
	h, _ := newTestHub()

	var hit atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cluster/spawn" {
			t.Errorf("path = %s", r.URL.Path)
		}
		hit.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"pid": 12})
	}))
	defer srv.Close()

	busy, _ := h.Register(RegisterRequest{Name: "busy", URL: "http://unused", Capacity: 8})
	idle, _ := h.Register(RegisterRequest{Name: "idle", URL: srv.URL, Capacity: 8})
	full, _ := h.Register(RegisterRequest{Name: "full", URL: "http://unused", Capacity: 2})
	h.Heartbeat(busy.ID, 6)
	h.Heartbeat(idle.ID, 1)
	h.Heartbeat(full.ID, 2)

	data, err := h.RouteSpawn(context.Background(), json.RawMessage(`{"name":"job"}`))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if hit.Load() != 1 {
		t.Fatalf("least-loaded node not used")
	}
	if data["pid"] != float64(12) || data["nodeId"] != idle.ID {
		t.Fatalf("route data = %v", data)
	}
}

func TestRouteSpawnNoCapacity(t *testing.T) {
	h, _ := newTestHub()

	n, _ := h.Register(RegisterRequest{Name: "full", URL: "http://n", Capacity: 2})
	h.Heartbeat(n.ID, 2)

	if _, err := h.RouteSpawn(context.Background(), nil); !kerr.IsKind(err, kerr.Transient) {
		t.Fatalf("routed despite full cluster: %v", err)
	}
	if h.HasCapacity() {
		t.Fatalf("full cluster reports capacity")
	}
}

func TestAgentRegistersWithHub(t *testing.T) {
	h, _ := newTestHub()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /cluster/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		n, err := h.Register(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(n)
	})
	mux.HandleFunc("POST /cluster/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if err := h.Heartbeat(req.NodeID, req.Load); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewAgent(srv.URL, "http://self:7200", "worker", 4, func() int { return 2 }, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.NodeID() == "" {
		t.Fatalf("no node id after registration")
	}
	if err := a.heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if nodes := h.Nodes(); len(nodes) != 1 || nodes[0].Load != 2 {
		t.Fatalf("hub table = %+v", nodes)
	}
}

func TestAgentDegradesWhenHubUnreachable(t *testing.T) {
	a := NewAgent("http://127.0.0.1:1", "http://self", "w", 4, func() int { return 0 }, slog.Default())
	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("unreachable hub accepted")
	}
}
