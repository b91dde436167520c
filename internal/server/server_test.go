package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aetherhq/aether/internal/auth"
	"github.com/aetherhq/aether/internal/config"
	"github.com/aetherhq/aether/internal/cron"
	"github.com/aetherhq/aether/internal/dispatch"
	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/memory"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/snapshot"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/tty"
	"github.com/aetherhq/aether/internal/vfs"
	"github.com/aetherhq/aether/internal/webhook"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Bus) {
	t.Helper()
	log := slog.Default()
	bus := events.NewBus()
	cfg := config.Default()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs, err := vfs.New(t.TempDir(), bus, log)
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	if err := fs.InitLayout("test"); err != nil {
		t.Fatalf("init layout: %v", err)
	}

	procs := proc.NewManager(bus, st, fs, log, proc.Options{ReapDelay: 5 * time.Millisecond})
	spawn := func(cfgJSON, source string) error {
		var ac proc.AgentConfig
		if err := json.Unmarshal([]byte(cfgJSON), &ac); err != nil {
			return err
		}
		_, err := procs.Spawn(context.Background(), proc.SpawnRequest{Name: source, Config: ac})
		return err
	}

	secret, err := auth.LoadOrGenerateSecret(st, "")
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	hooks := webhook.NewDispatcher(st, bus, log)
	if err := hooks.Start(); err != nil {
		t.Fatalf("webhooks: %v", err)
	}
	t.Cleanup(hooks.Stop)

	d := dispatch.New(dispatch.Deps{
		Auth:      auth.NewService(st, log, secret, true),
		Procs:     procs,
		FS:        fs,
		TTYs:      tty.NewManager(bus, fs, nil, log),
		Crons:     cron.NewManager(st, bus, log, spawn),
		Triggers:  cron.NewTriggerEngine(st, bus, log, spawn),
		Memories:  memory.NewManager(st, bus, log),
		Snapshots: snapshot.NewManager(st, fs, procs, bus, log),
		Webhooks:  hooks,
		Store:     st,
		Bus:       bus,
		Config:    cfg,
	}, log)

	srv := New(cfg, d, bus, nil, log)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, bus
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, frame string) map[string]any {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("bad response %q: %v", data, err)
	}
	return resp
}

func TestWSCommandRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	resp := roundTrip(t, ctx, conn,
		`{"type":"auth.register","id":"1","username":"op","password":"correct-horse"}`)
	if resp["type"] != "response.ok" || resp["id"] != "1" {
		t.Fatalf("register = %v", resp)
	}

	resp = roundTrip(t, ctx, conn,
		`{"type":"process.spawn","id":"2","name":"worker","config":{"role":"builder"}}`)
	if resp["type"] != "response.ok" {
		t.Fatalf("spawn = %v", resp)
	}
	pid := int(resp["data"].(map[string]any)["pid"].(float64))
	if pid != 1 {
		t.Fatalf("pid = %d", pid)
	}
}

func TestWSSubscribedEventsArrive(t *testing.T) {
	ts, bus := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	roundTrip(t, ctx, conn,
		`{"type":"auth.register","id":"1","username":"op","password":"correct-horse"}`)
	resp := roundTrip(t, ctx, conn, `{"type":"subscribe","id":"2","events":["fs.*"]}`)
	if resp["type"] != "response.ok" {
		t.Fatalf("subscribe = %v", resp)
	}

	bus.Emit("fs.changed", events.M{"path": "/home/agent_1/x", "changeType": "modify"})

	// Events flush in batches on the flush interval.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event batch: %v", err)
	}
	var batch []map[string]any
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("event frame is not an array: %q", data)
	}
	if len(batch) != 1 || batch[0]["event"] != "fs.changed" {
		t.Fatalf("batch = %v", batch)
	}
}

func TestWSUnauthenticatedDenied(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	resp := roundTrip(t, ctx, conn, `{"type":"process.list","id":"1"}`)
	if resp["type"] != "response.error" {
		t.Fatalf("resp = %v", resp)
	}
	code := resp["error"].(map[string]any)["code"]
	if code != "UNAUTHORIZED" {
		t.Fatalf("code = %v", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestConcurrentConnections(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.CloseNow()

		frame := fmt.Sprintf(
			`{"type":"auth.register","id":"1","username":"op%d","password":"correct-horse"}`, i)
		if resp := roundTrip(t, ctx, conn, frame); resp["type"] != "response.ok" {
			t.Fatalf("conn %d register = %v", i, resp)
		}
	}
}
