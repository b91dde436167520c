// Package cluster implements the optional hub/node topology: nodes
// register with a hub and heartbeat their load; the hub routes spawns
// to the least-loaded live node.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
)

const (
	HeartbeatInterval = 10 * time.Second
	// offlineAfter is how long a silent node stays listed as online.
	offlineAfter   = 25 * time.Second
	forwardTimeout = 30 * time.Second
)

// Node is one registered worker in the hub's table.
type Node struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Capacity int       `json:"capacity"`
	Load     int       `json:"load"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Hub keeps the node table and routes spawns.
type Hub struct {
	bus    *events.Bus
	log    *slog.Logger
	client *http.Client

	mu    sync.Mutex
	nodes map[string]*Node

	clock func() time.Time
}

func NewHub(bus *events.Bus, log *slog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		log:    log,
		client: &http.Client{Timeout: forwardTimeout},
		nodes:  make(map[string]*Node),
		clock:  time.Now,
	}
}

// RegisterRequest is the node's join payload.
type RegisterRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Capacity int    `json:"capacity"`
}

// Register adds a node to the table and returns its id.
func (h *Hub) Register(req RegisterRequest) (*Node, error) {
	if req.URL == "" {
		return nil, kerr.Validationf("node url required")
	}
	if req.Capacity <= 0 {
		return nil, kerr.Validationf("node capacity must be positive")
	}

	n := &Node{
		ID:       "node-" + uuid.NewString()[:8],
		Name:     req.Name,
		URL:      req.URL,
		Capacity: req.Capacity,
		Online:   true,
		LastSeen: h.clock(),
	}
	h.mu.Lock()
	h.nodes[n.ID] = n
	h.mu.Unlock()

	h.bus.Emit(protocol.EventClusterNodeJoined, events.M{
		"nodeId": n.ID, "name": n.Name, "url": n.URL,
	})
	return n, nil
}

// Heartbeat refreshes a node's liveness and load.
func (h *Hub) Heartbeat(nodeID string, load int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[nodeID]
	if !ok {
		return kerr.NotFoundf("no such node: %s", nodeID)
	}
	n.Load = load
	n.LastSeen = h.clock()
	n.Online = true
	return nil
}

// Remove drops a node from the table.
func (h *Hub) Remove(nodeID string) error {
	h.mu.Lock()
	_, ok := h.nodes[nodeID]
	delete(h.nodes, nodeID)
	h.mu.Unlock()
	if !ok {
		return kerr.NotFoundf("no such node: %s", nodeID)
	}
	h.bus.Emit(protocol.EventClusterNodeLeft, events.M{"nodeId": nodeID})
	return nil
}

// Nodes returns a sorted snapshot of the table.
func (h *Hub) Nodes() []*Node {
	h.mu.Lock()
	out := make([]*Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		cp := *n
		out = append(out, &cp)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start runs the health-check loop until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckHealth()
			}
		}
	}()
}

// CheckHealth marks nodes offline when their heartbeats stop.
func (h *Hub) CheckHealth() {
	now := h.clock()
	var wentOffline []string

	h.mu.Lock()
	for _, n := range h.nodes {
		if n.Online && now.Sub(n.LastSeen) > offlineAfter {
			n.Online = false
			wentOffline = append(wentOffline, n.ID)
		}
	}
	h.mu.Unlock()

	for _, id := range wentOffline {
		h.log.Warn("cluster node went offline", "node", id)
		h.bus.Emit(protocol.EventClusterNodeOffline, events.M{"nodeId": id})
	}
}

// pickNode returns the least-loaded online node with spare capacity.
func (h *Hub) pickNode() *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best *Node
	for _, n := range h.nodes {
		if !n.Online || n.Load >= n.Capacity {
			continue
		}
		if best == nil || n.Load < best.Load {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// HasCapacity reports whether any live node can take a spawn.
func (h *Hub) HasCapacity() bool {
	return h.pickNode() != nil
}

// RouteSpawn forwards a spawn command to the least-loaded live node and
// returns the node's response data.
func (h *Hub) RouteSpawn(ctx context.Context, command json.RawMessage) (map[string]any, error) {
	n := h.pickNode()
	if n == nil {
		return nil, kerr.Transientf("no cluster node has capacity")
	}

	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.URL+"/cluster/spawn", bytes.NewReader(command))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "forward spawn to %s", n.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, kerr.Transientf("node %s rejected spawn: %d", n.ID, resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode node response: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["nodeId"] = n.ID
	return data, nil
}
