package proc

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/vfs"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fs, err := vfs.New(t.TempDir(), bus, slog.Default())
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	if opts.ReapDelay == 0 {
		opts.ReapDelay = 10 * time.Millisecond
	}
	return NewManager(bus, st, fs, slog.Default(), opts), bus
}

func TestSpawnAssignsPIDAndHome(t *testing.T) {
	m, bus := newTestManager(t, Options{})

	var spawned []int
	bus.On(protocol.EventProcessSpawned, func(e events.Event) {
		spawned = append(spawned, e.Data["pid"].(int))
	})

	p, err := m.Spawn(context.Background(), SpawnRequest{Name: "worker"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if p.PID != 1 || p.UID != "agent_1" {
		t.Fatalf("pid/uid = %d/%s", p.PID, p.UID)
	}
	if p.State != StateCreated || p.Phase != PhaseBooting {
		t.Fatalf("initial state = %s/%s", p.State, p.Phase)
	}
	if p.Env["HOME"] != "/home/agent_1" || p.Env["USER"] != "agent_1" {
		t.Fatalf("env = %v", p.Env)
	}
	if len(spawned) != 1 || spawned[0] != 1 {
		t.Fatalf("spawn events = %v", spawned)
	}
}

func TestSpawnRefusesWhenTableFull(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxProcesses: 2})

	for i := 0; i < 2; i++ {
		if _, err := m.Spawn(context.Background(), SpawnRequest{}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	_, err := m.Spawn(context.Background(), SpawnRequest{})
	if kerr.CodeOf(err) != kerr.CodeProcessTableFull {
		t.Fatalf("want PROCESS_TABLE_FULL, got %v", err)
	}
}

func TestPIDAllocatorWrapsOntoDeadSlots(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxProcesses: 2, ReapDelay: time.Millisecond})

	killAndWait := func(pid int) {
		t.Helper()
		if err := m.Signal(pid, protocol.SigKill); err != nil {
			t.Fatalf("kill %d: %v", pid, err)
		}
		waitFor(t, func() bool {
			p, _ := m.Get(pid)
			return p != nil && p.State == StateDead
		})
	}
	spawn := func() int {
		t.Helper()
		p, err := m.Spawn(context.Background(), SpawnRequest{})
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		return p.PID
	}

	// The counter climbs monotonically past dead slots until it hits the
	// 2x capacity ceiling, then wraps back onto the oldest dead PID.
	if p1, p2 := spawn(), spawn(); p1 != 1 || p2 != 2 {
		t.Fatalf("initial pids = %d, %d", p1, p2)
	}
	killAndWait(1)
	if pid := spawn(); pid != 3 {
		t.Fatalf("third pid = %d", pid)
	}
	killAndWait(2)
	if pid := spawn(); pid != 4 {
		t.Fatalf("fourth pid = %d", pid)
	}
	killAndWait(3)
	if pid := spawn(); pid != 1 {
		t.Fatalf("wrapped pid = %d, want 1", pid)
	}
}

func TestStateMachineEdges(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	p, _ := m.Spawn(context.Background(), SpawnRequest{})

	if err := m.SetState(p.PID, StateRunning, PhaseThinking); err != nil {
		t.Fatalf("created->running: %v", err)
	}
	if err := m.SetState(p.PID, StateSleeping, ""); err != nil {
		t.Fatalf("running->sleeping: %v", err)
	}
	if err := m.SetState(p.PID, StateRunning, ""); err != nil {
		t.Fatalf("sleeping->running: %v", err)
	}
	if err := m.SetState(p.PID, StateDead, ""); !kerr.IsKind(err, kerr.Validation) {
		t.Fatalf("running->dead allowed: %v", err)
	}
}

func TestSignalTermAndReap(t *testing.T) {
	m, bus := newTestManager(t, Options{ReapDelay: 10 * time.Millisecond})

	var reaped bool
	bus.On(protocol.EventProcessReaped, func(events.Event) { reaped = true })
	var exitCode int
	bus.On(protocol.EventProcessExit, func(e events.Event) { exitCode = e.Data["code"].(int) })

	p, _ := m.Spawn(context.Background(), SpawnRequest{})
	m.SetState(p.PID, StateRunning, "")
	if err := m.Signal(p.PID, protocol.SigTerm); err != nil {
		t.Fatalf("term: %v", err)
	}

	got, _ := m.Get(p.PID)
	if got.State != StateZombie || got.ExitCode == nil || *got.ExitCode != 143 {
		t.Fatalf("after term: state=%s exit=%v", got.State, got.ExitCode)
	}
	select {
	case <-p.Context().Done():
	default:
		t.Fatalf("context not cancelled by SIGTERM")
	}
	if exitCode != 143 {
		t.Fatalf("exit event code = %d", exitCode)
	}

	waitFor(t, func() bool {
		q, _ := m.Get(p.PID)
		return q.State == StateDead
	})
	if !reaped {
		t.Fatalf("process.reaped not emitted")
	}
}

func TestSignalKillExitCode(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	p, _ := m.Spawn(context.Background(), SpawnRequest{})

	if err := m.Signal(p.PID, protocol.SigKill); err != nil {
		t.Fatalf("kill: %v", err)
	}
	got, _ := m.Get(p.PID)
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Fatalf("exit = %v", got.ExitCode)
	}
}

func TestStopAndContinue(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	p, _ := m.Spawn(context.Background(), SpawnRequest{})
	m.SetState(p.PID, StateRunning, "")

	if err := m.Signal(p.PID, protocol.SigStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got, _ := m.Get(p.PID); got.State != StateStopped {
		t.Fatalf("state after stop = %s", got.State)
	}

	// SIGCONT only resumes a stopped process.
	if err := m.Signal(p.PID, protocol.SigCont); err != nil {
		t.Fatalf("cont: %v", err)
	}
	if got, _ := m.Get(p.PID); got.State != StateRunning {
		t.Fatalf("state after cont = %s", got.State)
	}
	if err := m.Signal(p.PID, protocol.SigCont); err == nil {
		t.Fatalf("cont on running process accepted")
	}
}

func TestSigintOnlyAnnounces(t *testing.T) {
	m, bus := newTestManager(t, Options{})
	p, _ := m.Spawn(context.Background(), SpawnRequest{})
	m.SetState(p.PID, StateRunning, "")

	var sig string
	bus.On(protocol.EventProcessSignal, func(e events.Event) { sig = e.Data["signal"].(string) })

	if err := m.Signal(p.PID, protocol.SigInt); err != nil {
		t.Fatalf("sigint: %v", err)
	}
	if got, _ := m.Get(p.PID); got.State != StateRunning {
		t.Fatalf("SIGINT mutated state to %s", got.State)
	}
	if sig != protocol.SigInt {
		t.Fatalf("signal event = %q", sig)
	}
}

func TestIPCOverflowDropsOldest(t *testing.T) {
	m, _ := newTestManager(t, Options{IPCQueueMax: 3})

	a, _ := m.Spawn(context.Background(), SpawnRequest{})
	b, _ := m.Spawn(context.Background(), SpawnRequest{})

	for i := 1; i <= 4; i++ {
		if _, err := m.Send(a.PID, b.PID, "work", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	msgs, err := m.Peek(b.PID)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("queue length = %d", len(msgs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if msgs[i].Payload != want {
			t.Fatalf("queue[%d] = %v, want %s", i, msgs[i].Payload, want)
		}
	}
}

func TestIPCDrainMarksDelivered(t *testing.T) {
	m, bus := newTestManager(t, Options{})

	a, _ := m.Spawn(context.Background(), SpawnRequest{})
	b, _ := m.Spawn(context.Background(), SpawnRequest{})

	var delivered int
	bus.On(protocol.EventIPCDelivered, func(events.Event) { delivered++ })

	m.Send(a.PID, b.PID, "", "one")
	m.Send(a.PID, b.PID, "", "two")

	msgs, err := m.Drain(b.PID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 2 || delivered != 2 {
		t.Fatalf("drained %d, delivered events %d", len(msgs), delivered)
	}

	msgs, _ = m.Drain(b.PID)
	if len(msgs) != 0 {
		t.Fatalf("second drain returned %d", len(msgs))
	}
}

func TestReapClearsIPCQueue(t *testing.T) {
	m, _ := newTestManager(t, Options{ReapDelay: 5 * time.Millisecond})

	a, _ := m.Spawn(context.Background(), SpawnRequest{})
	b, _ := m.Spawn(context.Background(), SpawnRequest{})
	m.Send(a.PID, b.PID, "", "pending")

	m.Signal(b.PID, protocol.SigKill)
	waitFor(t, func() bool {
		p, _ := m.Get(b.PID)
		return p.State == StateDead
	})

	if msgs, _ := m.Peek(b.PID); len(msgs) != 0 {
		t.Fatalf("queue survived reap: %d", len(msgs))
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	m, _ := newTestManager(t, Options{ReapDelay: 5 * time.Millisecond})

	for i := 0; i < 3; i++ {
		p, _ := m.Spawn(context.Background(), SpawnRequest{})
		m.SetState(p.PID, StateRunning, "")
	}

	m.Shutdown(500 * time.Millisecond)
	waitFor(t, func() bool { return m.LiveCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
