// Package tty manages terminal sessions for processes: a host
// pseudo-terminal by default, or an exec shell inside the process's
// container when one was provisioned.
package tty

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/container"
	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/vfs"
)

const defaultExecTimeout = 30 * time.Second

// Session is one live terminal.
type Session struct {
	ID            string    `json:"ttyId"`
	PID           int       `json:"pid"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	CWD           string    `json:"cwd"`
	CreatedAt     time.Time `json:"createdAt"`
	Containerized bool      `json:"containerized"`

	stream io.ReadWriteCloser
	cmd    *exec.Cmd
	resize func(cols, rows int) error

	mu      sync.Mutex
	capture *capture
	closed  bool
}

type capture struct {
	marker string
	buf    bytes.Buffer
	done   chan string
}

// Manager owns the session map.
type Manager struct {
	bus        *events.Bus
	fs         *vfs.FS
	containers *container.Manager
	log        *slog.Logger

	execTimeout time.Duration

	mu    sync.Mutex
	byID  map[string]*Session
	byPID map[int]string
}

func NewManager(bus *events.Bus, fs *vfs.FS, containers *container.Manager, log *slog.Logger) *Manager {
	return &Manager{
		bus:         bus,
		fs:          fs,
		containers:  containers,
		log:         log,
		execTimeout: defaultExecTimeout,
		byID:        make(map[string]*Session),
		byPID:       make(map[int]string),
	}
}

// Open starts a terminal for a process. One session per PID.
func (m *Manager) Open(ctx context.Context, p *proc.Process, cols, rows int) (*Session, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	m.mu.Lock()
	if _, ok := m.byPID[p.PID]; ok {
		m.mu.Unlock()
		return nil, kerr.Validationf("pid %d already has a terminal", p.PID)
	}
	m.mu.Unlock()

	sess := &Session{
		ID:        "tty-" + uuid.NewString()[:8],
		PID:       p.PID,
		Cols:      cols,
		Rows:      rows,
		CWD:       p.CWD,
		CreatedAt: time.Now().UTC(),
	}

	if m.containers != nil && p.ContainerID != "" {
		shell, err := m.containers.ExecShell(ctx, p.PID, p.Env["SHELL"], cols, rows)
		if err != nil {
			return nil, err
		}
		sess.Containerized = true
		sess.stream = shell.Conn
		sess.resize = func(c, r int) error { return m.containers.Resize(context.Background(), p.PID, c, r) }
	} else {
		if err := m.openLocal(sess, p); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.byID[sess.ID] = sess
	m.byPID[p.PID] = sess.ID
	m.mu.Unlock()

	go m.pump(sess)
	m.bus.Emit(protocol.EventTTYOpened, events.M{
		"ttyId": sess.ID, "pid": p.PID, "containerized": sess.Containerized,
	})
	return sess, nil
}

func (m *Manager) openLocal(sess *Session, p *proc.Process) error {
	shell := p.Env["SHELL"]
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = filepath.Join(m.fs.Root(), filepath.FromSlash(p.CWD))
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// HOME must point at the host-side home for a local shell.
	cmd.Env = append(cmd.Env, "HOME="+filepath.Join(m.fs.Root(), "home", p.UID))

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(sess.Cols), Rows: uint16(sess.Rows)})
	if err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "start pty for pid %d", p.PID)
	}
	sess.stream = ptmx
	sess.cmd = cmd
	sess.resize = func(c, r int) error {
		return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(c), Rows: uint16(r)})
	}
	return nil
}

// pump copies terminal output to the bus and feeds any active exec
// capture until the stream ends.
func (m *Manager) pump(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.stream.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			sess.mu.Lock()
			if c := sess.capture; c != nil {
				c.buf.WriteString(data)
				if idx := strings.Index(c.buf.String(), c.marker); idx >= 0 {
					out := c.buf.String()[:idx]
					sess.capture = nil
					select {
					case c.done <- strings.TrimSpace(out):
					default:
					}
				}
			}
			sess.mu.Unlock()
			m.bus.Emit(protocol.EventTTYOutput, events.M{
				"ttyId": sess.ID, "pid": sess.PID, "data": data,
			})
		}
		if err != nil {
			m.finish(sess)
			return
		}
	}
}

func (m *Manager) finish(sess *Session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	code := 0
	signal := ""
	if sess.cmd != nil {
		if err := sess.cmd.Wait(); err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			} else {
				code = -1
			}
		}
	}

	m.mu.Lock()
	delete(m.byID, sess.ID)
	delete(m.byPID, sess.PID)
	m.mu.Unlock()

	m.bus.Emit(protocol.EventTTYClosed, events.M{
		"ttyId": sess.ID, "pid": sess.PID, "code": code, "signal": signal,
	})
}

func (m *Manager) get(ttyID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[ttyID]
	if !ok {
		return nil, kerr.NotFoundf("no such terminal: %s", ttyID)
	}
	return sess, nil
}

// Write sends raw input to the terminal.
func (m *Manager) Write(ttyID, data string) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(sess.stream, data); err != nil {
		m.bus.Emit(protocol.EventTTYError, events.M{"ttyId": ttyID, "error": err.Error()})
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "write to %s", ttyID)
	}
	return nil
}

// Exec runs a command in the terminal and returns its output. The
// command is followed by an echoed marker; everything up to the marker
// is captured. Bounded by the exec timeout; on timeout whatever was
// captured so far is returned.
func (m *Manager) Exec(ttyID, command string) (string, error) {
	sess, err := m.get(ttyID)
	if err != nil {
		return "", err
	}

	nonce := uuid.NewString()[:8]
	marker := fmt.Sprintf("__AETHER_DONE_%s__", nonce)
	c := &capture{marker: marker, done: make(chan string, 1)}

	sess.mu.Lock()
	if sess.capture != nil {
		sess.mu.Unlock()
		return "", kerr.Validationf("terminal %s is busy with another exec", ttyID)
	}
	sess.capture = c
	sess.mu.Unlock()

	// The marker is split across quoted segments so the terminal's echo
	// of the command itself never matches it.
	line := fmt.Sprintf("%s\necho \"__AETHER_DONE_\"%s\"__\"\n", command, nonce)
	if _, err := io.WriteString(sess.stream, line); err != nil {
		sess.mu.Lock()
		sess.capture = nil
		sess.mu.Unlock()
		return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "exec write to %s", ttyID)
	}

	select {
	case out := <-c.done:
		return out, nil
	case <-time.After(m.execTimeout):
		sess.mu.Lock()
		partial := c.buf.String()
		sess.capture = nil
		sess.mu.Unlock()
		return strings.TrimSpace(partial), nil
	}
}

// Resize changes the terminal dimensions.
func (m *Manager) Resize(ttyID string, cols, rows int) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	if err := sess.resize(cols, rows); err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "resize %s", ttyID)
	}
	sess.Cols, sess.Rows = cols, rows
	return nil
}

// Close ends the session. The pump observes the stream closing and
// emits tty.closed.
func (m *Manager) Close(ttyID string) error {
	sess, err := m.get(ttyID)
	if err != nil {
		return err
	}
	return sess.stream.Close()
}

// GetByPid returns the session attached to a PID.
func (m *Manager) GetByPid(pid int) (*Session, error) {
	m.mu.Lock()
	id, ok := m.byPID[pid]
	m.mu.Unlock()
	if !ok {
		return nil, kerr.NotFoundf("no terminal for pid %d", pid)
	}
	return m.get(id)
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every session, used at shutdown.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		s.stream.Close()
	}
}
