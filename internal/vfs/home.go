package vfs

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
)

var agentUIDRe = regexp.MustCompile(`^agent_\d+$`)

var homeSubdirs = []string{"workspace", "tmp", ".config"}

const defaultProfile = `# aether agent profile
export PS1='\u@aether:\w\$ '
`

// InitLayout creates the standard on-disk tree under the root. Safe to
// call on every boot.
func (f *FS) InitLayout(hostname string) error {
	for _, dir := range []string{"home", "tmp", "tmp/aether/users", "etc", "var/log", "var/snapshots", "shared"} {
		if err := os.MkdirAll(filepath.Join(f.root, dir), 0o755); err != nil {
			return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "init layout %s", dir)
		}
	}
	hostFile := filepath.Join(f.root, "etc", "hostname")
	if _, err := os.Stat(hostFile); os.IsNotExist(err) {
		if err := os.WriteFile(hostFile, []byte(hostname+"\n"), 0o644); err != nil {
			return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "write hostname")
		}
	}
	f.bus.Emit(protocol.EventFSInitialized, events.M{"root": f.root})
	return nil
}

// CreateHome initializes /home/<uid> with its standard subfolders and a
// default profile. Idempotent: existing files are left alone.
func (f *FS) CreateHome(uid string) (string, error) {
	home := "/home/" + uid
	real, err := f.resolve(home)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(real, 0o755); err != nil {
		return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create home %s", uid)
	}
	for _, sub := range homeSubdirs {
		if err := os.MkdirAll(filepath.Join(real, sub), 0o755); err != nil {
			return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create home %s/%s", uid, sub)
		}
	}
	profile := filepath.Join(real, ".profile")
	if _, err := os.Stat(profile); os.IsNotExist(err) {
		if err := os.WriteFile(profile, []byte(defaultProfile), 0o644); err != nil {
			return "", kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "write profile for %s", uid)
		}
	}
	f.mu.Lock()
	f.owners[home] = uid
	f.mu.Unlock()
	f.emitChanged(home, "create")
	return home, nil
}

// RemoveHome deletes an agent home. Only uids shaped like agent homes
// are accepted, and the resolved path must stay under <root>/home.
func (f *FS) RemoveHome(uid string) error {
	if !agentUIDRe.MatchString(uid) {
		return kerr.Permissionf("refusing to remove home for uid %q", uid)
	}
	real, err := f.resolve("/home/" + uid)
	if err != nil {
		return err
	}
	homeRoot := filepath.Join(f.root, "home")
	if !strings.HasPrefix(real, homeRoot+string(filepath.Separator)) {
		return kerr.Permissionf("home for %q resolves outside %s", uid, homeRoot)
	}
	if err := os.RemoveAll(real); err != nil {
		return kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "remove home %s", uid)
	}
	f.mu.Lock()
	delete(f.owners, "/home/"+uid)
	f.mu.Unlock()
	f.emitChanged("/home/"+uid, "delete")
	return nil
}

// HomePath returns the virtual home path of an agent uid.
func HomePath(uid string) string { return "/home/" + uid }
