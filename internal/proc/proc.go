// Package proc owns the kernel process table: PID allocation, lifecycle
// states and agent phases, signals, reaping, and per-process IPC queues.
package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/vfs"
)

// Lifecycle states.
const (
	StateCreated  = "created"
	StateRunning  = "running"
	StateSleeping = "sleeping"
	StateStopped  = "stopped"
	StateZombie   = "zombie"
	StateDead     = "dead"
)

// Agent phases.
const (
	PhaseBooting   = "booting"
	PhaseThinking  = "thinking"
	PhaseExecuting = "executing"
	PhaseObserving = "observing"
	PhaseWaiting   = "waiting"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseIdle      = "idle"
)

// AgentConfig is the behavioral configuration a process is spawned with.
// The kernel stores and routes it; interpreting it is the runner's job.
type AgentConfig struct {
	Role     string   `json:"role,omitempty"`
	Goal     string   `json:"goal,omitempty"`
	Model    string   `json:"model,omitempty"`
	Tools    []string `json:"tools,omitempty"`
	MaxSteps int      `json:"maxSteps,omitempty"`
}

// Metrics are advisory resource numbers carried on the process entry.
type Metrics struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMb"`
}

// Process is one entry in the kernel process table.
type Process struct {
	PID         int
	PPID        int
	UID         string
	Name        string
	Command     string
	State       string
	Phase       string
	CWD         string
	Env         map[string]string
	Config      AgentConfig
	Metrics     Metrics
	ContainerID string
	ExitCode    *int
	CreatedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  []IPCMessage
}

// Context returns the process's cancellation context. Fatal signals
// cancel it.
func (p *Process) Context() context.Context { return p.ctx }

// Runner executes the agent loop of a spawned process. Run is invoked on
// its own goroutine; it should watch ctx and call Manager.Exit when done.
type Runner interface {
	Run(ctx context.Context, p *Process)
}

// Provisioner prepares an isolation container for a process. Optional.
type Provisioner interface {
	Provision(ctx context.Context, pid int, uid string) (string, error)
	Remove(ctx context.Context, pid int) error
}

// Options configure a Manager.
type Options struct {
	MaxProcesses int
	IPCQueueMax  int
	// ReapDelay is how long a zombie lingers before reaping. Tests
	// shorten it; zero means the 1 s default.
	ReapDelay   time.Duration
	Runner      Runner
	Provisioner Provisioner
}

// Manager owns the process table. All table access goes through its
// mutex; events and store writes happen after the lock is released.
type Manager struct {
	bus   *events.Bus
	st    *store.Store
	fs    *vfs.FS
	log   *slog.Logger
	opts  Options
	clock func() time.Time

	mu      sync.Mutex
	table   map[int]*Process
	nextPID int
}

func NewManager(bus *events.Bus, st *store.Store, fs *vfs.FS, log *slog.Logger, opts Options) *Manager {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 256
	}
	if opts.IPCQueueMax <= 0 {
		opts.IPCQueueMax = 100
	}
	if opts.ReapDelay <= 0 {
		opts.ReapDelay = time.Second
	}
	return &Manager{
		bus:   bus,
		st:    st,
		fs:    fs,
		log:   log,
		opts:  opts,
		clock: time.Now,
		table: make(map[int]*Process),
	}
}

// SpawnRequest describes a new process.
type SpawnRequest struct {
	Name      string
	Command   string
	PPID      int
	CWD       string
	Env       map[string]string
	Config    AgentConfig
	Container bool
}

// Spawn allocates a PID, creates the agent home, persists the entry and
// starts the runner.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Process, error) {
	m.mu.Lock()
	if m.liveCountLocked() >= m.opts.MaxProcesses {
		m.mu.Unlock()
		return nil, kerr.New(kerr.Transient, kerr.CodeProcessTableFull,
			"process table full (%d live)", m.opts.MaxProcesses)
	}
	pid, err := m.allocPIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	uid := fmt.Sprintf("agent_%d", pid)
	pctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		PID:       pid,
		PPID:      req.PPID,
		UID:       uid,
		Name:      req.Name,
		Command:   req.Command,
		State:     StateCreated,
		Phase:     PhaseBooting,
		CWD:       req.CWD,
		Env:       buildEnv(uid, req.Env),
		Config:    req.Config,
		CreatedAt: m.clock().UTC(),
		ctx:       pctx,
		cancel:    cancel,
	}
	if p.CWD == "" {
		p.CWD = vfs.HomePath(uid)
	}
	m.table[pid] = p
	m.mu.Unlock()

	if _, err := m.fs.CreateHome(uid); err != nil {
		m.log.Warn("create home failed", "pid", pid, "err", err)
	}
	if req.Container && m.opts.Provisioner != nil {
		id, err := m.opts.Provisioner.Provision(ctx, pid, uid)
		if err != nil {
			m.log.Warn("container provision failed, running unsandboxed", "pid", pid, "err", err)
		} else {
			m.mu.Lock()
			p.ContainerID = id
			m.mu.Unlock()
		}
	}

	if err := m.persist(p); err != nil {
		m.log.Error("persist process", "pid", pid, "err", err)
	}
	m.bus.Emit(protocol.EventProcessSpawned, events.M{
		"pid": pid, "ppid": p.PPID, "uid": uid, "name": p.Name,
	})

	if m.opts.Runner != nil {
		go m.opts.Runner.Run(pctx, p)
	}

	m.mu.Lock()
	cp := *p
	m.mu.Unlock()
	return &cp, nil
}

func buildEnv(uid string, extra map[string]string) map[string]string {
	env := make(map[string]string, len(extra)+4)
	for k, v := range extra {
		env[k] = v
	}
	// Host-managed entries always win.
	env["HOME"] = vfs.HomePath(uid)
	env["USER"] = uid
	env["SHELL"] = "/bin/sh"
	env["TERM"] = "xterm-256color"
	return env
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, p := range m.table {
		if p.State != StateDead {
			n++
		}
	}
	return n
}

// allocPIDLocked returns the next free PID. Non-dead occupants are
// skipped; the counter wraps once it exceeds twice the table capacity.
func (m *Manager) allocPIDLocked() (int, error) {
	limit := 2 * m.opts.MaxProcesses
	for tries := 0; tries <= limit; tries++ {
		m.nextPID++
		if m.nextPID > limit {
			m.nextPID = 1
		}
		if p, ok := m.table[m.nextPID]; !ok || p.State == StateDead {
			return m.nextPID, nil
		}
	}
	return 0, kerr.New(kerr.Transient, kerr.CodeProcessTableFull, "no free pid")
}

// Get returns a copy of the process entry for pid. The live entry is
// only ever mutated under the manager lock.
func (m *Manager) Get(pid int) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[pid]
	if !ok {
		return nil, kerr.NotFoundf("no such process: %d", pid)
	}
	cp := *p
	return &cp, nil
}

// List returns a snapshot of the table sorted by PID.
func (m *Manager) List() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Process, 0, len(m.table))
	for pid := 1; pid <= 2*m.opts.MaxProcesses; pid++ {
		if p, ok := m.table[pid]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// LiveCount reports processes not yet dead.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

var allowedEdges = map[string][]string{
	StateCreated:  {StateRunning, StateZombie},
	StateRunning:  {StateSleeping, StateStopped, StateZombie},
	StateSleeping: {StateRunning, StateStopped, StateZombie},
	StateStopped:  {StateRunning, StateZombie},
	StateZombie:   {StateDead},
	StateDead:     {},
}

func edgeAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetState transitions a process and optionally updates its phase.
func (m *Manager) SetState(pid int, state, phase string) error {
	m.mu.Lock()
	p, ok := m.table[pid]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFoundf("no such process: %d", pid)
	}
	prev := p.State
	if !edgeAllowed(prev, state) {
		m.mu.Unlock()
		return kerr.Validationf("illegal transition %s -> %s for pid %d", prev, state, pid)
	}
	p.State = state
	if phase != "" {
		p.Phase = phase
	}
	curPhase := p.Phase
	m.mu.Unlock()

	if err := m.st.SetProcessState(pid, state, curPhase); err != nil {
		m.log.Error("persist state", "pid", pid, "err", err)
	}
	m.bus.Emit(protocol.EventProcessStateChange, events.M{
		"pid": pid, "state": state, "previousState": prev, "agentPhase": curPhase,
	})
	return nil
}

// Signal delivers a virtual signal. SIGTERM and SIGKILL are fatal and
// schedule a reap; SIGSTOP/SIGCONT pause and resume; anything else is
// only announced.
func (m *Manager) Signal(pid int, sig string) error {
	switch sig {
	case protocol.SigTerm:
		return m.kill(pid, protocol.ExitCodeSigTerm, sig)
	case protocol.SigKill:
		return m.kill(pid, protocol.ExitCodeSigKill, sig)
	case protocol.SigStop:
		m.mu.Lock()
		p, ok := m.table[pid]
		if !ok {
			m.mu.Unlock()
			return kerr.NotFoundf("no such process: %d", pid)
		}
		if p.State != StateRunning && p.State != StateSleeping {
			m.mu.Unlock()
			return kerr.Validationf("cannot stop pid %d in state %s", pid, p.State)
		}
		m.mu.Unlock()
		return m.SetState(pid, StateStopped, "")
	case protocol.SigCont:
		m.mu.Lock()
		p, ok := m.table[pid]
		if !ok {
			m.mu.Unlock()
			return kerr.NotFoundf("no such process: %d", pid)
		}
		if p.State != StateStopped {
			m.mu.Unlock()
			return kerr.Validationf("cannot continue pid %d in state %s", pid, p.State)
		}
		m.mu.Unlock()
		return m.SetState(pid, StateRunning, "")
	default:
		m.mu.Lock()
		_, ok := m.table[pid]
		m.mu.Unlock()
		if !ok {
			return kerr.NotFoundf("no such process: %d", pid)
		}
		m.bus.Emit(protocol.EventProcessSignal, events.M{"pid": pid, "signal": sig})
		return nil
	}
}

// Exit records a voluntary exit from the runner.
func (m *Manager) Exit(pid, code int) error {
	return m.kill(pid, code, "")
}

func (m *Manager) kill(pid, code int, sig string) error {
	m.mu.Lock()
	p, ok := m.table[pid]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFoundf("no such process: %d", pid)
	}
	if p.State == StateZombie || p.State == StateDead {
		m.mu.Unlock()
		return nil
	}
	prev := p.State
	phase := p.Phase
	p.State = StateZombie
	p.ExitCode = &code
	p.cancel()
	m.mu.Unlock()

	if err := m.st.SetProcessState(pid, StateZombie, phase); err != nil {
		m.log.Error("persist state", "pid", pid, "err", err)
	}
	if err := m.st.SetProcessExit(pid, code); err != nil {
		m.log.Error("persist exit", "pid", pid, "err", err)
	}
	if sig != "" {
		m.bus.Emit(protocol.EventProcessSignal, events.M{"pid": pid, "signal": sig})
	}
	m.bus.Emit(protocol.EventProcessStateChange, events.M{
		"pid": pid, "state": StateZombie, "previousState": prev, "agentPhase": phase,
	})
	m.bus.Emit(protocol.EventProcessExit, events.M{"pid": pid, "code": code})

	time.AfterFunc(m.opts.ReapDelay, func() { m.Reap(pid) })
	return nil
}

// Reap finalizes a zombie: the IPC queue is cleared, the container torn
// down, the entry marked dead.
func (m *Manager) Reap(pid int) {
	m.mu.Lock()
	p, ok := m.table[pid]
	if !ok || p.State != StateZombie {
		m.mu.Unlock()
		return
	}
	p.State = StateDead
	p.queue = nil
	phase := p.Phase
	hadContainer := p.ContainerID != ""
	m.mu.Unlock()

	if hadContainer && m.opts.Provisioner != nil {
		if err := m.opts.Provisioner.Remove(context.Background(), pid); err != nil {
			m.log.Warn("container remove failed", "pid", pid, "err", err)
		}
	}
	if err := m.st.SetProcessState(pid, StateDead, phase); err != nil {
		m.log.Error("persist state", "pid", pid, "err", err)
	}
	m.bus.Emit(protocol.EventProcessReaped, events.M{"pid": pid})
}

// Shutdown terminates every live process: SIGTERM, a grace period, then
// SIGKILL for survivors.
func (m *Manager) Shutdown(grace time.Duration) {
	for _, p := range m.List() {
		if p.State != StateZombie && p.State != StateDead {
			m.Signal(p.PID, protocol.SigTerm)
		}
	}
	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			for _, p := range m.List() {
				if p.State != StateZombie && p.State != StateDead {
					m.Signal(p.PID, protocol.SigKill)
				}
			}
			return
		case <-tick.C:
			if m.LiveCount() == 0 {
				return
			}
		}
	}
}

func (m *Manager) persist(p *Process) error {
	env, err := json.Marshal(p.Env)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return err
	}
	return m.st.UpsertProcess(&store.ProcessRow{
		PID:     p.PID,
		PPID:    p.PPID,
		UID:     p.UID,
		Name:    p.Name,
		Command: p.Command,
		State:   p.State,
		Phase:   p.Phase,
		CWD:     p.CWD,
		Env:     string(env),
		Config:  string(cfg),
	})
}
