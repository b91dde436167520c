package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearEnv neutralizes any AETHER_* variables leaking in from the
// caller's shell. Empty values are ignored by the loader.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AETHER_ROOT", "AETHER_LISTEN", "AETHER_SECRET",
		"AETHER_REGISTRATION_OPEN", "AETHER_CLUSTER_ROLE",
		"AETHER_HUB_URL", "AETHER_NODE_CAPACITY", "AETHER_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != "/tmp/aether" {
		t.Errorf("root = %q", cfg.Root)
	}
	if cfg.Listen != "127.0.0.1:7200" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.MaxProcesses != 256 || cfg.IPCQueueMax != 100 {
		t.Errorf("limits = %d/%d", cfg.MaxProcesses, cfg.IPCQueueMax)
	}
	if !cfg.RegistrationOpen {
		t.Error("registration should default open")
	}
	if cfg.ClusterRole != RoleStandalone {
		t.Errorf("role = %q", cfg.ClusterRole)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "aether.yaml")
	data := `
root: /srv/aether
listen: 0.0.0.0:9000
max_processes: 16
container_image: alpine:3.21
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != "/srv/aether" || cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("root/listen = %q/%q", cfg.Root, cfg.Listen)
	}
	if cfg.MaxProcesses != 16 {
		t.Errorf("max_processes = %d", cfg.MaxProcesses)
	}
	// Untouched fields keep their defaults.
	if cfg.IPCQueueMax != 100 {
		t.Errorf("ipc_queue_max = %d", cfg.IPCQueueMax)
	}
	if cfg.ContainerImage != "alpine:3.21" {
		t.Errorf("container_image = %q", cfg.ContainerImage)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "aether.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:7300\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AETHER_LISTEN", "127.0.0.1:7400")
	t.Setenv("AETHER_NODE_CAPACITY", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7400" {
		t.Errorf("listen = %q, env should win", cfg.Listen)
	}
	if cfg.NodeCapacity != 8 {
		t.Errorf("node_capacity = %d", cfg.NodeCapacity)
	}
}

func TestRegistrationClosedByEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AETHER_REGISTRATION_OPEN", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RegistrationOpen {
		t.Error("registration should be closed")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative root", func(c *Config) { c.Root = "relative/path" }},
		{"empty root", func(c *Config) { c.Root = "" }},
		{"unknown role", func(c *Config) { c.ClusterRole = "satellite" }},
		{"zero processes", func(c *Config) { c.MaxProcesses = 0 }},
		{"zero ipc queue", func(c *Config) { c.IPCQueueMax = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNodeWithoutHubDegrades(t *testing.T) {
	cfg := Default()
	cfg.ClusterRole = RoleNode
	cfg.HubURL = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ClusterRole != RoleStandalone {
		t.Errorf("role = %q, node without hub should degrade", cfg.ClusterRole)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Root = "/srv/aether"
	if got := cfg.DBPath(); got != "/srv/aether/var/aether.db" {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.SnapshotDir(); got != "/srv/aether/var/snapshots" {
		t.Errorf("snapshot dir = %q", got)
	}
}
