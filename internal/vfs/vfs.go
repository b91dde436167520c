// Package vfs is the kernel's sandboxed filesystem. Virtual absolute
// posix paths are mapped under a single host root; every operation
// resolves symlinks and refuses paths that escape the root.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
)

// FileStat describes one entry. Mode is advisory; the host enforces its
// own permissions.
type FileStat struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Type       string    `json:"type"` // file, directory, symlink
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	OwnerUID   string    `json:"ownerUid"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Hidden     bool      `json:"hidden"`
}

// FS maps virtual paths to host paths under root.
type FS struct {
	root string
	bus  *events.Bus
	log  *slog.Logger

	mu     sync.Mutex
	mounts map[string]*SharedMount
	owners map[string]string // virtual path -> owning uid, advisory
}

// New creates a filesystem rooted at root. The root directory is
// created if missing.
func New(root string, bus *events.Bus, log *slog.Logger) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	// Resolve once so containment checks compare against the real root.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root symlinks: %w", err)
	}
	return &FS{
		root:   real,
		bus:    bus,
		log:    log,
		mounts: make(map[string]*SharedMount),
		owners: make(map[string]string),
	}, nil
}

// Root returns the host directory backing the filesystem.
func (f *FS) Root() string { return f.root }

// resolve maps a virtual path to a host path, following symlinks on the
// nearest existing ancestor, and fails if the result escapes the root.
func (f *FS) resolve(vpath string) (string, error) {
	clean := path.Clean("/" + vpath)
	real := filepath.Join(f.root, filepath.FromSlash(clean))

	// The leaf may not exist yet (writes, mkdir). Walk up to the first
	// existing ancestor and resolve that instead.
	probe := real
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
				return "", kerr.Permissionf("path escapes filesystem root: %s", vpath)
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "resolve %s", vpath)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return "", kerr.Permissionf("path escapes filesystem root: %s", vpath)
		}
		tail = append(tail, filepath.Base(probe))
		probe = parent
	}
}

// virtual maps a host path back to its virtual form.
func (f *FS) virtual(real string) string {
	rel, err := filepath.Rel(f.root, real)
	if err != nil {
		return "/"
	}
	return path.Clean("/" + filepath.ToSlash(rel))
}

func (f *FS) emitChanged(vpath, change string) {
	f.bus.Emit(protocol.EventFSChanged, events.M{"path": vpath, "changeType": change})
}

// ReadFile returns the content of a file.
func (f *FS) ReadFile(vpath string) ([]byte, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(real)
	if os.IsNotExist(err) {
		return nil, kerr.NotFoundf("no such file: %s", vpath)
	}
	if os.IsPermission(err) {
		return nil, kerr.Permissionf("read %s", vpath)
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "read %s", vpath)
	}
	return data, nil
}

// WriteFile writes content atomically: the bytes go to a temp sibling
// which is renamed over the target. A failed write leaves no temp file
// behind.
func (f *FS) WriteFile(vpath string, content []byte, ownerUID string) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create parent of %s", vpath)
	}

	tmp := real + ".aether-tmp-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return writeErr(vpath, err)
	}
	if err := os.Rename(tmp, real); err != nil {
		os.Remove(tmp)
		return writeErr(vpath, err)
	}

	if ownerUID != "" {
		f.mu.Lock()
		f.owners[path.Clean("/"+vpath)] = ownerUID
		f.mu.Unlock()
	}
	f.emitChanged(f.virtual(real), "modify")
	return nil
}

func writeErr(vpath string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return kerr.Wrap(kerr.Transient, kerr.CodeDiskFull, err, "write %s", vpath)
	}
	if os.IsPermission(err) {
		return kerr.Permissionf("write %s", vpath)
	}
	return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "write %s", vpath)
}

// Mkdir creates a directory, optionally with parents.
func (f *FS) Mkdir(vpath string, recursive bool) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if recursive {
		err = os.MkdirAll(real, 0o755)
	} else {
		err = os.Mkdir(real, 0o755)
	}
	if err != nil && !os.IsExist(err) {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "mkdir %s", vpath)
	}
	f.emitChanged(f.virtual(real), "create")
	return nil
}

// Rm removes a file or, with recursive, a directory tree.
func (f *FS) Rm(vpath string, recursive bool) error {
	real, err := f.resolve(vpath)
	if err != nil {
		return err
	}
	if real == f.root {
		return kerr.Permissionf("refusing to remove filesystem root")
	}
	if recursive {
		err = os.RemoveAll(real)
	} else {
		err = os.Remove(real)
	}
	if os.IsNotExist(err) {
		return kerr.NotFoundf("no such path: %s", vpath)
	}
	if err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "rm %s", vpath)
	}
	f.emitChanged(f.virtual(real), "delete")
	return nil
}

// Mv renames a file or directory.
func (f *FS) Mv(from, to string) error {
	src, err := f.resolve(from)
	if err != nil {
		return err
	}
	dst, err := f.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create parent of %s", to)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return kerr.NotFoundf("no such path: %s", from)
		}
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "mv %s to %s", from, to)
	}
	f.emitChanged(f.virtual(src), "delete")
	f.emitChanged(f.virtual(dst), "create")
	return nil
}

// Cp copies a file or directory tree.
func (f *FS) Cp(from, to string) error {
	src, err := f.resolve(from)
	if err != nil {
		return err
	}
	dst, err := f.resolve(to)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return kerr.NotFoundf("no such path: %s", from)
	}
	if err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "stat %s", from)
	}
	if info.IsDir() {
		err = copyTree(src, dst)
	} else {
		err = copyFile(src, dst, info.Mode())
	}
	if err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "cp %s to %s", from, to)
	}
	f.emitChanged(f.virtual(dst), "create")
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Ls lists a directory, directories first, then name ascending.
func (f *FS) Ls(vpath string) ([]*FileStat, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(real)
	if os.IsNotExist(err) {
		return nil, kerr.NotFoundf("no such directory: %s", vpath)
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "ls %s", vpath)
	}

	stats := make([]*FileStat, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats = append(stats, f.statOf(path.Join("/", f.virtual(real), e.Name()), info))
	}
	sort.Slice(stats, func(i, j int) bool {
		iDir := stats[i].Type == "directory"
		jDir := stats[j].Type == "directory"
		if iDir != jDir {
			return iDir
		}
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}

// Stat returns metadata for one entry.
func (f *FS) Stat(vpath string) (*FileStat, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(real)
	if os.IsNotExist(err) {
		return nil, kerr.NotFoundf("no such path: %s", vpath)
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "stat %s", vpath)
	}
	return f.statOf(f.virtual(real), info), nil
}

// Exists reports whether a path exists.
func (f *FS) Exists(vpath string) (bool, error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(real)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "stat %s", vpath)
	}
	return true, nil
}

func (f *FS) statOf(vpath string, info os.FileInfo) *FileStat {
	typ := "file"
	switch {
	case info.IsDir():
		typ = "directory"
	case info.Mode()&os.ModeSymlink != 0:
		typ = "symlink"
	}
	f.mu.Lock()
	owner := f.owners[vpath]
	f.mu.Unlock()
	return &FileStat{
		Path:       vpath,
		Name:       info.Name(),
		Type:       typ,
		Size:       info.Size(),
		Mode:       info.Mode().Perm().String(),
		OwnerUID:   owner,
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
		Hidden:     strings.HasPrefix(info.Name(), "."),
	}
}
