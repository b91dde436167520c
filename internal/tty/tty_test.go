package tty

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/vfs"
)

// fakeShell emulates a terminal: input lines are echoed back (as a real
// tty does), then interpreted. `echo` concatenates its quoted segments;
// the command `greet` prints a greeting; everything else prints nothing.
type fakeShell struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	echoInput bool
	closeOnce sync.Once
}

func newFakeShell(echoInput bool) *fakeShell {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakeShell{inR: inR, inW: inW, outR: outR, outW: outW, echoInput: echoInput}
	go f.run()
	return f
}

func (f *fakeShell) run() {
	sc := bufio.NewScanner(f.inR)
	for sc.Scan() {
		line := sc.Text()
		if f.echoInput {
			io.WriteString(f.outW, line+"\r\n")
		}
		switch {
		case strings.HasPrefix(line, "echo "):
			args := strings.TrimPrefix(line, "echo ")
			io.WriteString(f.outW, strings.ReplaceAll(args, `"`, "")+"\r\n")
		case line == "greet":
			io.WriteString(f.outW, "hello world\r\n")
		case line == "slow":
			// Produces output but never finishes.
			io.WriteString(f.outW, "partial output\r\n")
			return
		}
	}
}

func (f *fakeShell) Read(p []byte) (int, error)  { return f.outR.Read(p) }
func (f *fakeShell) Write(p []byte) (int, error) { return f.inW.Write(p) }
func (f *fakeShell) Close() error {
	f.closeOnce.Do(func() {
		f.inW.Close()
		f.outW.Close()
	})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	fs, err := vfs.New(t.TempDir(), bus, slog.Default())
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	return NewManager(bus, fs, nil, slog.Default()), bus
}

func attachFake(m *Manager, pid int, echoInput bool) (*Session, *fakeShell) {
	shell := newFakeShell(echoInput)
	sess := &Session{
		ID:        "tty-test",
		PID:       pid,
		Cols:      80,
		Rows:      24,
		CreatedAt: time.Now(),
		stream:    shell,
		resize:    func(int, int) error { return nil },
	}
	m.mu.Lock()
	m.byID[sess.ID] = sess
	m.byPID[pid] = sess.ID
	m.mu.Unlock()
	go m.pump(sess)
	return sess, shell
}

func TestExecCapturesUntilMarker(t *testing.T) {
	m, _ := newTestManager(t)
	sess, _ := attachFake(m, 2, true)

	out, err := m.Exec(sess.ID, "greet")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	// The echoed input contains the split marker fragments but must not
	// satisfy the capture; only the clean marker printed by the shell
	// ends it, so the capture spans both the output and the echoed line.
	if !strings.Contains(out, "hello world") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, `echo "__AETHER_DONE_"`) {
		t.Fatalf("capture cut before the echoed command line: %q", out)
	}
}

func TestExecTimeoutReturnsPartial(t *testing.T) {
	m, _ := newTestManager(t)
	m.execTimeout = 100 * time.Millisecond
	sess, _ := attachFake(m, 2, false)

	out, err := m.Exec(sess.ID, "slow")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(out, "partial output") {
		t.Fatalf("partial = %q", out)
	}
}

func TestExecRejectsConcurrent(t *testing.T) {
	m, _ := newTestManager(t)
	m.execTimeout = 200 * time.Millisecond
	sess, _ := attachFake(m, 2, false)

	go m.Exec(sess.ID, "slow")
	time.Sleep(20 * time.Millisecond)

	_, err := m.Exec(sess.ID, "greet")
	if !kerr.IsKind(err, kerr.Validation) {
		t.Fatalf("concurrent exec: %v", err)
	}
}

func TestOutputEvents(t *testing.T) {
	m, bus := newTestManager(t)

	var mu sync.Mutex
	var output strings.Builder
	bus.On(protocol.EventTTYOutput, func(e events.Event) {
		mu.Lock()
		output.WriteString(e.Data["data"].(string))
		mu.Unlock()
	})

	sess, _ := attachFake(m, 2, false)
	if err := m.Write(sess.ID, "greet\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := strings.Contains(output.String(), "hello world")
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tty.output never carried shell output")
}

func TestCloseEmitsClosedAndUnregisters(t *testing.T) {
	m, bus := newTestManager(t)

	closed := make(chan struct{})
	bus.On(protocol.EventTTYClosed, func(events.Event) { close(closed) })

	sess, _ := attachFake(m, 2, false)
	if err := m.Close(sess.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("tty.closed not emitted")
	}
	if _, err := m.GetByPid(2); !kerr.IsKind(err, kerr.NotFound) {
		t.Fatalf("session still registered: %v", err)
	}
}
