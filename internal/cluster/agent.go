package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Agent is the node side of the cluster: it registers with the hub and
// heartbeats its current load.
type Agent struct {
	hubURL   string
	selfURL  string
	name     string
	capacity int
	loadFn   func() int
	log      *slog.Logger
	client   *http.Client

	nodeID   string
	interval time.Duration
}

func NewAgent(hubURL, selfURL, name string, capacity int, loadFn func() int, log *slog.Logger) *Agent {
	return &Agent{
		hubURL:   hubURL,
		selfURL:  selfURL,
		name:     name,
		capacity: capacity,
		loadFn:   loadFn,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: HeartbeatInterval,
	}
}

// Start registers with the hub and runs the heartbeat loop until ctx is
// cancelled. Registration failure is returned so the caller can degrade
// to standalone.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	go a.heartbeatLoop(ctx)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	body, _ := json.Marshal(RegisterRequest{
		Name:     a.name,
		URL:      a.selfURL,
		Capacity: a.capacity,
	})
	resp, err := a.post(ctx, "/cluster/register", body)
	if err != nil {
		return fmt.Errorf("register with hub: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub rejected registration: %d", resp.StatusCode)
	}

	var node Node
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return fmt.Errorf("decode registration: %w", err)
	}
	a.nodeID = node.ID
	a.log.Info("joined cluster", "node", a.nodeID, "hub", a.hubURL)
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

// HeartbeatRequest is one liveness report.
type HeartbeatRequest struct {
	NodeID string `json:"nodeId"`
	Load   int    `json:"load"`
}

func (a *Agent) heartbeat(ctx context.Context) error {
	body, _ := json.Marshal(HeartbeatRequest{NodeID: a.nodeID, Load: a.loadFn()})
	resp, err := a.post(ctx, "/cluster/heartbeat", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.hubURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.client.Do(req)
}

// NodeID returns the id assigned by the hub, empty before registration.
func (a *Agent) NodeID() string { return a.nodeID }
