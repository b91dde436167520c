package cron

import (
	"log/slog"
	"testing"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

func newTestEngine(t *testing.T, spawn SpawnFunc) (*TriggerEngine, *events.Bus) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	e := NewTriggerEngine(st, bus, slog.Default(), spawn)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, bus
}

func TestTriggerFiresOnMatch(t *testing.T) {
	var fired []string
	e, bus := newTestEngine(t, func(config, source string) error {
		fired = append(fired, source)
		return nil
	})

	tr, err := e.CreateTrigger("on-exit", "process.exit", "", "{}", 0, "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var triggerEvents int
	bus.On(protocol.EventTriggerFired, func(events.Event) { triggerEvents++ })

	bus.Emit("process.exit", events.M{"pid": 3, "code": 0})
	bus.Emit("process.spawned", events.M{"pid": 4})

	if len(fired) != 1 || fired[0] != "trigger:"+tr.ID {
		t.Fatalf("fired = %v", fired)
	}
	if triggerEvents != 1 {
		t.Fatalf("trigger.fired count = %d", triggerEvents)
	}
}

func TestTriggerPrefixGlob(t *testing.T) {
	var count int
	e, bus := newTestEngine(t, func(string, string) error {
		count++
		return nil
	})
	if _, err := e.CreateTrigger("all-fs", "fs.*", "", "{}", 0, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	bus.Emit("fs.changed", events.M{"path": "/a"})
	bus.Emit("fs.initialized", nil)
	bus.Emit("tty.output", events.M{})

	if count != 2 {
		t.Fatalf("glob matched %d events, want 2", count)
	}
}

func TestTriggerIgnoresOwnFamilies(t *testing.T) {
	var count int
	e, bus := newTestEngine(t, func(string, string) error {
		count++
		return nil
	})
	if _, err := e.CreateTrigger("loop", "*", "", "{}", 0, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	bus.Emit("cron.fired", events.M{})
	bus.Emit("trigger.fired", events.M{})
	bus.Emit("memory.stored", events.M{})
	if count != 0 {
		t.Fatalf("self-feeding families fired %d times", count)
	}

	bus.Emit("process.exit", events.M{})
	if count != 1 {
		t.Fatalf("regular event fired %d times", count)
	}
}

func TestTriggerCooldown(t *testing.T) {
	var count int
	e, bus := newTestEngine(t, func(string, string) error {
		count++
		return nil
	})

	now := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }

	if _, err := e.CreateTrigger("cool", "process.exit", "", "{}", 5000, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	bus.Emit("process.exit", events.M{})
	now = now.Add(2 * time.Second)
	bus.Emit("process.exit", events.M{})
	if count != 1 {
		t.Fatalf("cooldown ignored: fired %d times", count)
	}

	now = now.Add(4 * time.Second)
	bus.Emit("process.exit", events.M{})
	if count != 2 {
		t.Fatalf("post-cooldown fire missing: %d", count)
	}
}

func TestTriggerShallowFilter(t *testing.T) {
	var count int
	e, bus := newTestEngine(t, func(string, string) error {
		count++
		return nil
	})
	if _, err := e.CreateTrigger("filtered", "process.exit", `{"code": 1}`, "{}", 0, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	bus.Emit("process.exit", events.M{"pid": 2, "code": 0})
	if count != 0 {
		t.Fatalf("filter passed a non-matching payload")
	}
	bus.Emit("process.exit", events.M{"pid": 2, "code": 1})
	if count != 1 {
		t.Fatalf("filter rejected a matching payload")
	}
}

func TestCronTickFiresDueJobs(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()

	var spawned []string
	m := NewManager(st, bus, slog.Default(), func(config, source string) error {
		spawned = append(spawned, source)
		return nil
	})
	now := time.Date(2024, 6, 14, 12, 0, 30, 0, time.UTC)
	m.clock = func() time.Time { return now }

	job, err := m.CreateJob("minutely", "* * * * *", "{}", "admin")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var fired int
	bus.On(protocol.EventCronFired, func(events.Event) { fired++ })

	// Not due yet: next_run is the next minute boundary.
	m.Tick(now)
	if len(spawned) != 0 {
		t.Fatalf("fired early: %v", spawned)
	}

	now = now.Add(time.Minute)
	m.Tick(now)
	if len(spawned) != 1 || spawned[0] != "cron:"+job.ID {
		t.Fatalf("spawned = %v", spawned)
	}
	if fired != 1 {
		t.Fatalf("cron.fired = %d", fired)
	}

	got, err := st.GetCronJob(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 || !got.NextRun.After(now) {
		t.Fatalf("bookkeeping: count=%d next=%v now=%v", got.RunCount, got.NextRun, now)
	}
}
