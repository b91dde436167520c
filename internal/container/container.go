// Package container provisions long-lived docker containers as agent
// sandboxes and opens exec shells inside them.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/aetherhq/aether/internal/kerr"
)

// Manager talks to the docker daemon. Availability is probed once at
// construction; an unreachable daemon means agents run without sandboxes.
type Manager struct {
	cli      *client.Client
	image    string
	homeRoot string // host directory containing agent homes
	log      *slog.Logger

	mu        sync.Mutex
	byPID     map[int]string // pid -> container id
	execByPID map[int]string // pid -> last exec id, for resizes
	available bool
}

// NewManager connects to docker and pings it. The returned manager is
// usable either way; Available reports whether sandboxing works.
func NewManager(image, homeRoot string, log *slog.Logger) *Manager {
	m := &Manager{
		image:     image,
		homeRoot:  homeRoot,
		log:       log,
		byPID:     make(map[int]string),
		execByPID: make(map[int]string),
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn("docker client unavailable, containers disabled", "err", err)
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable, containers disabled", "err", err)
		cli.Close()
		return m
	}
	m.cli = cli
	m.available = true
	log.Info("docker available", "image", image)
	return m
}

// Available reports whether container sandboxing can be used.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Provision creates and starts a sandbox container for a process, with
// the agent home bind-mounted at /home/<uid>.
func (m *Manager) Provision(ctx context.Context, pid int, uid string) (string, error) {
	if !m.Available() {
		return "", kerr.Transientf("docker unavailable")
	}

	// Pull is best-effort: the image may already be local.
	if rc, err := m.cli.ImagePull(ctx, m.image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, rc)
		rc.Close()
	}

	cfg := &container.Config{
		Image:      m.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/home/" + uid,
		Env:        []string{"HOME=/home/" + uid, "USER=" + uid},
		Labels: map[string]string{
			"aether.pid": strconv.Itoa(pid),
			"aether.uid": uid,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.homeRoot + "/" + uid,
			Target: "/home/" + uid,
		}},
	}
	created, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, fmt.Sprintf("aether-%d", pid))
	if err != nil {
		return "", kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "create container for pid %d", pid)
	}
	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "start container for pid %d", pid)
	}

	m.mu.Lock()
	m.byPID[pid] = created.ID
	m.mu.Unlock()
	m.log.Info("container provisioned", "pid", pid, "container", created.ID[:12])
	return created.ID, nil
}

// Shell is a live interactive exec inside a container.
type Shell struct {
	ExecID string
	Conn   io.ReadWriteCloser
}

// ExecShell starts an interactive shell in the process's container and
// returns the hijacked bidirectional stream.
func (m *Manager) ExecShell(ctx context.Context, pid int, shell string, cols, rows int) (*Shell, error) {
	m.mu.Lock()
	id, ok := m.byPID[pid]
	m.mu.Unlock()
	if !ok {
		return nil, kerr.NotFoundf("no container for pid %d", pid)
	}

	exec, err := m.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{shell},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	})
	if err != nil {
		return nil, kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "exec create for pid %d", pid)
	}
	attach, err := m.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "exec attach for pid %d", pid)
	}

	m.mu.Lock()
	m.execByPID[pid] = exec.ID
	m.mu.Unlock()
	return &Shell{ExecID: exec.ID, Conn: hijackStream{attach.Conn, attach.Reader}}, nil
}

// Resize adjusts the terminal size of the process's active exec.
func (m *Manager) Resize(ctx context.Context, pid, cols, rows int) error {
	m.mu.Lock()
	execID, ok := m.execByPID[pid]
	m.mu.Unlock()
	if !ok {
		return kerr.NotFoundf("no active shell for pid %d", pid)
	}
	err := m.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	if err != nil {
		return kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "resize exec for pid %d", pid)
	}
	return nil
}

// Remove force-removes the process's container.
func (m *Manager) Remove(ctx context.Context, pid int) error {
	m.mu.Lock()
	id, ok := m.byPID[pid]
	delete(m.byPID, pid)
	delete(m.execByPID, pid)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return kerr.Wrap(kerr.Transient, kerr.CodeTransient, err, "remove container for pid %d", pid)
	}
	m.log.Info("container removed", "pid", pid)
	return nil
}

// IDFor returns the container id provisioned for pid, if any.
func (m *Manager) IDFor(pid int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPID[pid]
	return id, ok
}

// Close shuts down the docker client.
func (m *Manager) Close() error {
	if m.cli == nil {
		return nil
	}
	return m.cli.Close()
}

// hijackStream adapts a hijacked connection: reads come from the
// buffered reader, writes and close go to the raw connection.
type hijackStream struct {
	conn   io.WriteCloser
	reader io.Reader
}

func (h hijackStream) Read(p []byte) (int, error)  { return h.reader.Read(p) }
func (h hijackStream) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h hijackStream) Close() error                { return h.conn.Close() }
