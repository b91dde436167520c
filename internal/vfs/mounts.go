package vfs

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
)

var mountNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SharedMount is a directory under <root>/shared/<name> that multiple
// agents link into their homes.
type SharedMount struct {
	Name     string
	RealPath string
	OwnerPID int
	// Mounted maps pid -> mount point relative to the agent home.
	Mounted map[int]string
}

// CreateSharedMount creates the backing directory and registers the
// mount. Names are restricted to alphanumerics, dash and underscore.
func (f *FS) CreateSharedMount(name string, ownerPID int) (*SharedMount, error) {
	if !mountNameRe.MatchString(name) {
		return nil, kerr.Validationf("invalid mount name %q", name)
	}
	f.mu.Lock()
	if _, ok := f.mounts[name]; ok {
		f.mu.Unlock()
		return nil, kerr.Validationf("mount %q already exists", name)
	}
	f.mu.Unlock()

	real := filepath.Join(f.root, "shared", name)
	if err := os.MkdirAll(real, 0o755); err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create shared mount %s", name)
	}

	m := &SharedMount{Name: name, RealPath: real, OwnerPID: ownerPID, Mounted: make(map[int]string)}
	f.mu.Lock()
	f.mounts[name] = m
	f.mu.Unlock()

	f.bus.Emit(protocol.EventFSSharedCreated, events.M{"name": name, "ownerPid": ownerPID})
	return m, nil
}

// MountShared links a shared mount into an agent home as a symlink. The
// default mount point is shared/<name> inside the home.
func (f *FS) MountShared(pid int, uid, name, mountPoint string) (string, error) {
	f.mu.Lock()
	m, ok := f.mounts[name]
	f.mu.Unlock()
	if !ok {
		return "", kerr.NotFoundf("no such mount: %s", name)
	}
	if mountPoint == "" {
		mountPoint = "shared/" + name
	}

	link := "/home/" + uid + "/" + mountPoint
	realLink, err := f.resolve(link)
	if err != nil {
		return "", err
	}
	// The target is under <root>/shared by construction; re-check after
	// resolution anyway.
	target, err := filepath.EvalSymlinks(m.RealPath)
	if err != nil {
		return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "resolve mount %s", name)
	}
	if target != f.root && !within(target, f.root) {
		return "", kerr.Permissionf("mount %s escapes filesystem root", name)
	}

	if err := os.MkdirAll(filepath.Dir(realLink), 0o755); err != nil {
		return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "prepare mount point %s", mountPoint)
	}
	if err := os.Symlink(target, realLink); err != nil && !os.IsExist(err) {
		return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "link mount %s", name)
	}

	f.mu.Lock()
	m.Mounted[pid] = mountPoint
	f.mu.Unlock()
	f.emitChanged(link, "create")
	return link, nil
}

// UnmountShared removes the agent's symlink to a shared mount.
func (f *FS) UnmountShared(pid int, uid, name string) error {
	f.mu.Lock()
	m, ok := f.mounts[name]
	var mountPoint string
	if ok {
		mountPoint, ok = m.Mounted[pid]
	}
	f.mu.Unlock()
	if !ok {
		return kerr.NotFoundf("pid %d has no mount %s", pid, name)
	}

	link := "/home/" + uid + "/" + mountPoint
	real := filepath.Join(f.root, "home", uid, filepath.FromSlash(mountPoint))
	if err := os.Remove(real); err != nil && !os.IsNotExist(err) {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "unlink mount %s", name)
	}

	f.mu.Lock()
	delete(m.Mounted, pid)
	f.mu.Unlock()
	f.emitChanged(link, "delete")
	return nil
}

// SharedMounts returns a snapshot of the registry.
func (f *FS) SharedMounts() []*SharedMount {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*SharedMount, 0, len(f.mounts))
	for _, m := range f.mounts {
		cp := *m
		cp.Mounted = make(map[int]string, len(m.Mounted))
		for k, v := range m.Mounted {
			cp.Mounted[k] = v
		}
		out = append(out, &cp)
	}
	return out
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
