// Package snapshot captures and restores agent processes: a JSON body
// with the kernel-side state, a tarball of the home directory, and a
// hash-carrying manifest.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/vfs"
)

const manifestVersion = 1

// Manifest is the integrity record written next to every snapshot.
type Manifest struct {
	Version    int                   `json:"version"`
	SnapshotID string                `json:"snapshotId"`
	PID        int                   `json:"pid"`
	UID        string                `json:"uid"`
	CreatedAt  time.Time             `json:"createdAt"`
	Process    ProcessState          `json:"process"`
	Memories   []*store.MemoryRecord `json:"memories"`
	PlanState  string                `json:"planState,omitempty"`
	Usage      *proc.Metrics         `json:"usage,omitempty"`
	TarballSHA string                `json:"tarballSha256"`
	TarballLen int64                 `json:"tarballSize"`
}

// ProcessState is the process-side slice of a manifest.
type ProcessState struct {
	State   string           `json:"state"`
	Phase   string           `json:"phase"`
	Name    string           `json:"name"`
	Command string           `json:"command"`
	Config  proc.AgentConfig `json:"config"`
	Metrics proc.Metrics     `json:"metrics"`
}

// body is the full kernel-side capture written to the snapshot body file.
type body struct {
	Manifest Manifest          `json:"manifest"`
	Logs     []*store.AgentLog `json:"logs"`
	IPC      []proc.IPCMessage `json:"ipc"`
	Env      map[string]string `json:"env"`
	CWD      string            `json:"cwd"`
}

// Manager creates, restores, validates and deletes snapshots.
type Manager struct {
	st    *store.Store
	fs    *vfs.FS
	procs *proc.Manager
	bus   *events.Bus
	log   *slog.Logger
	dir   string
	clock func() time.Time
}

func NewManager(st *store.Store, fs *vfs.FS, procs *proc.Manager, bus *events.Bus, log *slog.Logger) *Manager {
	return &Manager{
		st:    st,
		fs:    fs,
		procs: procs,
		bus:   bus,
		log:   log,
		dir:   filepath.Join(fs.Root(), "var", "snapshots"),
		clock: time.Now,
	}
}

// Create freezes a process, captures its state and home, and thaws it
// again. The resume is deferred so a failing capture never leaves the
// process stopped.
func (m *Manager) Create(pid int, description string) (*store.SnapshotRow, error) {
	p, err := m.procs.Get(pid)
	if err != nil {
		return nil, err
	}

	stopped := false
	if p.State == proc.StateRunning || p.State == proc.StateSleeping {
		if err := m.procs.Signal(pid, protocol.SigStop); err == nil {
			stopped = true
		}
	}
	defer func() {
		if stopped {
			if err := m.procs.Signal(pid, protocol.SigCont); err != nil {
				m.log.Error("snapshot resume failed", "pid", pid, "err", err)
			}
		}
	}()

	now := m.clock().UTC()
	ts := now.Unix()
	id := fmt.Sprintf("snap_%d_%d", pid, ts)
	base := filepath.Join(m.dir, fmt.Sprintf("%d-%d", pid, ts))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create snapshot dir")
	}

	logs, err := m.st.ListAgentLogs(pid)
	if err != nil {
		return nil, err
	}
	ipc, err := m.procs.Peek(pid)
	if err != nil {
		return nil, err
	}
	memories, err := m.st.ListMemories(p.UID, "")
	if err != nil {
		return nil, err
	}
	var planState string
	if plan, err := m.st.ActivePlan(p.UID); err == nil && plan != nil {
		planState = plan.State
	}

	tarballPath := base + ".tar.gz"
	homeDir := filepath.Join(m.fs.Root(), "home", p.UID)
	if err := writeTarGz(homeDir, tarballPath); err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "archive home for pid %d", pid)
	}
	sum, size, err := hashFile(tarballPath)
	if err != nil {
		os.Remove(tarballPath)
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "hash snapshot tarball")
	}

	manifest := Manifest{
		Version:    manifestVersion,
		SnapshotID: id,
		PID:        pid,
		UID:        p.UID,
		CreatedAt:  now,
		Process: ProcessState{
			State:   p.State,
			Phase:   p.Phase,
			Name:    p.Name,
			Command: p.Command,
			Config:  p.Config,
			Metrics: p.Metrics,
		},
		Memories:   memories,
		PlanState:  planState,
		Usage:      &p.Metrics,
		TarballSHA: sum,
		TarballLen: size,
	}

	bodyPath := base + ".json"
	if err := writeJSONFile(bodyPath, body{
		Manifest: manifest,
		Logs:     logs,
		IPC:      ipc,
		Env:      p.Env,
		CWD:      p.CWD,
	}); err != nil {
		os.Remove(tarballPath)
		return nil, err
	}

	manifestPath := base + ".manifest.json"
	if err := writeJSONFile(manifestPath, manifest); err != nil {
		os.Remove(tarballPath)
		os.Remove(bodyPath)
		return nil, err
	}

	row := &store.SnapshotRow{
		ID:           id,
		PID:          pid,
		UID:          p.UID,
		Description:  description,
		BodyPath:     bodyPath,
		TarballPath:  tarballPath,
		ManifestPath: manifestPath,
	}
	if err := m.st.CreateSnapshot(row); err != nil {
		return nil, err
	}
	m.bus.Emit(protocol.EventSnapshotCreated, events.M{"id": id, "pid": pid})
	return row, nil
}

// Restore verifies a snapshot and revives it as a new process.
func (m *Manager) Restore(ctx context.Context, id string) (*proc.Process, error) {
	row, err := m.st.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, kerr.NotFoundf("no such snapshot: %s", id)
	}
	manifest, err := readManifest(row.ManifestPath)
	if err != nil {
		return nil, err
	}
	sum, _, err := hashFile(row.TarballPath)
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "read snapshot tarball")
	}
	if sum != manifest.TarballSHA {
		return nil, kerr.Permissionf("snapshot %s tarball hash mismatch", id)
	}

	p, err := m.procs.Spawn(ctx, proc.SpawnRequest{
		Name:    manifest.Process.Name,
		Command: manifest.Process.Command,
		Config:  manifest.Process.Config,
	})
	if err != nil {
		return nil, err
	}

	homeRoot := filepath.Join(m.fs.Root(), "home")
	if err := extractTarGz(row.TarballPath, homeRoot); err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "extract snapshot %s", id)
	}

	// Contents were archived under the old uid; fold them into the new
	// home when the PID changed.
	if manifest.UID != p.UID {
		oldHome := filepath.Join(homeRoot, manifest.UID)
		newHome := filepath.Join(homeRoot, p.UID)
		if err := mergeDir(oldHome, newHome); err != nil {
			m.log.Warn("snapshot home merge incomplete", "snapshot", id, "err", err)
		}
		os.RemoveAll(oldHome)
	}

	for _, rec := range manifest.Memories {
		cp := *rec
		cp.ID = fmt.Sprintf("%s-r%d", rec.ID, p.PID)
		cp.AgentID = p.UID
		if err := m.st.InsertMemory(&cp); err != nil {
			m.log.Warn("snapshot memory restore skipped", "memory", rec.ID, "err", err)
		}
	}
	if usage := manifest.Usage; usage != nil {
		p.Metrics = *usage
	}

	m.bus.Emit(protocol.EventSnapshotRestored, events.M{
		"id": id, "pid": p.PID, "previousPid": manifest.PID,
	})
	return p, nil
}

// Validate checks a snapshot's files and hash, returning the problems
// found. An empty slice means the snapshot is sound.
func (m *Manager) Validate(id string) ([]string, error) {
	row, err := m.st.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, kerr.NotFoundf("no such snapshot: %s", id)
	}

	var issues []string
	for name, path := range map[string]string{
		"body": row.BodyPath, "tarball": row.TarballPath, "manifest": row.ManifestPath,
	} {
		if _, err := os.Stat(path); err != nil {
			issues = append(issues, fmt.Sprintf("%s file missing: %s", name, path))
		}
	}
	manifest, err := readManifest(row.ManifestPath)
	if err != nil {
		issues = append(issues, "manifest unreadable")
		return issues, nil
	}
	if manifest.Version != manifestVersion {
		issues = append(issues, fmt.Sprintf("manifest version %d, want %d", manifest.Version, manifestVersion))
	}
	if manifest.SnapshotID != id {
		issues = append(issues, fmt.Sprintf("manifest id %s does not match %s", manifest.SnapshotID, id))
	}
	if sum, _, err := hashFile(row.TarballPath); err == nil && sum != manifest.TarballSHA {
		issues = append(issues, "tarball hash mismatch")
	}
	return issues, nil
}

// Delete removes the snapshot files and its catalog row.
func (m *Manager) Delete(id string) error {
	row, err := m.st.GetSnapshot(id)
	if err != nil {
		return err
	}
	if row == nil {
		return kerr.NotFoundf("no such snapshot: %s", id)
	}
	for _, path := range []string{row.BodyPath, row.TarballPath, row.ManifestPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("snapshot file removal failed", "path", path, "err", err)
		}
	}
	if err := m.st.DeleteSnapshot(id); err != nil {
		return err
	}
	m.bus.Emit(protocol.EventSnapshotDeleted, events.M{"id": id})
	return nil
}

// List returns the snapshot catalog.
func (m *Manager) List() ([]*store.SnapshotRow, error) {
	return m.st.ListSnapshots()
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.NotFound, kerr.CodeNotFound, err, "read manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "parse manifest")
	}
	return &manifest, nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "encode %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "write %s", filepath.Base(path))
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// mergeDir moves the entries of src into dst, keeping existing dst
// entries when names collide at the top level.
func mergeDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if _, err := os.Lstat(to); err == nil {
			os.RemoveAll(to)
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}
