package snapshot

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/vfs"
)

type fixture struct {
	m     *Manager
	st    *store.Store
	fs    *vfs.FS
	procs *proc.Manager
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
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
	if err := fs.InitLayout("test"); err != nil {
		t.Fatalf("init layout: %v", err)
	}
	procs := proc.NewManager(bus, st, fs, slog.Default(), proc.Options{ReapDelay: 5 * time.Millisecond})
	return &fixture{
		m:     NewManager(st, fs, procs, bus, slog.Default()),
		st:    st,
		fs:    fs,
		procs: procs,
		bus:   bus,
	}
}

func TestCreateAndValidate(t *testing.T) {
	f := newFixture(t)

	p, err := f.procs.Spawn(context.Background(), proc.SpawnRequest{
		Name:   "worker",
		Config: proc.AgentConfig{Role: "builder", Goal: "ship"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	f.procs.SetState(p.PID, proc.StateRunning, proc.PhaseExecuting)

	if err := f.fs.WriteFile("/home/"+p.UID+"/notes.txt", []byte("progress"), p.UID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.st.InsertMemory(&store.MemoryRecord{
		ID: "mem1", AgentID: p.UID, Layer: "episodic", Content: "built the thing",
		Importance: 0.7, CreatedAt: time.Now(), LastAccessed: time.Now(),
	}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	row, err := f.m.Create(p.PID, "mid-task checkpoint")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The process must be resumed after the capture.
	got, _ := f.procs.Get(p.PID)
	if got.State != proc.StateRunning {
		t.Fatalf("state after snapshot = %s", got.State)
	}

	issues, err := f.m.Validate(row.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}

	manifest, err := readManifest(row.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.Version != 1 || manifest.UID != p.UID {
		t.Fatalf("manifest = %+v", manifest)
	}
	if len(manifest.Memories) != 1 {
		t.Fatalf("manifest memories = %d", len(manifest.Memories))
	}
	if manifest.Process.Config.Role != "builder" {
		t.Fatalf("manifest config = %+v", manifest.Process.Config)
	}
}

func TestValidateDetectsTamper(t *testing.T) {
	f := newFixture(t)

	p, _ := f.procs.Spawn(context.Background(), proc.SpawnRequest{})
	row, err := f.m.Create(p.PID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := os.WriteFile(row.TarballPath, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	issues, err := f.m.Validate(row.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) == 0 {
		t.Fatalf("tampered tarball passed validation")
	}
}

func TestRestoreSpawnsNewProcess(t *testing.T) {
	f := newFixture(t)

	p, _ := f.procs.Spawn(context.Background(), proc.SpawnRequest{
		Name:   "original",
		Config: proc.AgentConfig{Role: "analyst"},
	})
	if err := f.fs.WriteFile("/home/"+p.UID+"/state.txt", []byte("resume here"), p.UID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.st.InsertMemory(&store.MemoryRecord{
		ID: "mem1", AgentID: p.UID, Layer: "semantic", Content: "the goal",
		Importance: 0.9, CreatedAt: time.Now(), LastAccessed: time.Now(),
	}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	row, err := f.m.Create(p.PID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	restored, err := f.m.Restore(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PID == p.PID {
		t.Fatalf("restore reused the old pid")
	}
	if restored.Config.Role != "analyst" {
		t.Fatalf("restored config = %+v", restored.Config)
	}

	// Home contents migrated to the new uid.
	data, err := f.fs.ReadFile("/home/" + restored.UID + "/state.txt")
	if err != nil || string(data) != "resume here" {
		t.Fatalf("restored file = %q, %v", data, err)
	}
	if ok, _ := f.fs.Exists("/home/" + p.UID + "/state.txt"); restored.UID != p.UID && ok {
		// The original home is removed after the merge.
		t.Fatalf("old home still present")
	}

	mems, err := f.st.ListMemories(restored.UID, "")
	if err != nil || len(mems) != 1 {
		t.Fatalf("restored memories = %d, %v", len(mems), err)
	}
}

func TestRestoreRefusesHashMismatch(t *testing.T) {
	f := newFixture(t)

	p, _ := f.procs.Spawn(context.Background(), proc.SpawnRequest{})
	row, err := f.m.Create(p.PID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(row.TarballPath, []byte("evil"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := f.m.Restore(context.Background(), row.ID); !kerr.IsKind(err, kerr.Permission) {
		t.Fatalf("tampered restore allowed: %v", err)
	}
}

func TestDeleteRemovesFilesAndRow(t *testing.T) {
	f := newFixture(t)

	p, _ := f.procs.Spawn(context.Background(), proc.SpawnRequest{})
	row, err := f.m.Create(p.PID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.m.Delete(row.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, path := range []string{row.BodyPath, row.TarballPath, row.ManifestPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("file survived delete: %s", path)
		}
	}
	if err := f.m.Delete(row.ID); !kerr.IsKind(err, kerr.NotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestEmptyArchiveForMissingHome(t *testing.T) {
	f := newFixture(t)

	p, _ := f.procs.Spawn(context.Background(), proc.SpawnRequest{})
	if err := f.fs.RemoveHome(p.UID); err != nil {
		t.Fatalf("remove home: %v", err)
	}

	row, err := f.m.Create(p.PID, "")
	if err != nil {
		t.Fatalf("create without home: %v", err)
	}
	issues, err := f.m.Validate(row.ID)
	if err != nil || len(issues) != 0 {
		t.Fatalf("empty-archive snapshot invalid: %v, %v", issues, err)
	}
}
