// Package config loads kernel configuration from an optional YAML file
// with environment-variable overrides for every AETHER_* variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Cluster roles.
const (
	RoleStandalone = "standalone"
	RoleHub        = "hub"
	RoleNode       = "node"
)

// Config is the kernel configuration.
type Config struct {
	// Root is the virtual filesystem root on the host.
	Root string `yaml:"root"`
	// Listen is the HTTP/WS bind address.
	Listen string `yaml:"listen"`
	// Secret signs auth tokens. Empty means a random per-boot key
	// (tokens do not survive restart).
	Secret string `yaml:"secret"`
	// RegistrationOpen allows self-registration. Default true.
	RegistrationOpen bool `yaml:"registration_open"`

	// ClusterRole is one of standalone, hub, node.
	ClusterRole string `yaml:"cluster_role"`
	// HubURL is required when ClusterRole is node.
	HubURL string `yaml:"hub_url"`
	// NodeCapacity is the advertised process capacity of this node.
	NodeCapacity int `yaml:"node_capacity"`

	// MaxProcesses bounds the live process count.
	MaxProcesses int `yaml:"max_processes"`
	// IPCQueueMax bounds each per-process message queue.
	IPCQueueMax int `yaml:"ipc_queue_max"`

	// ContainerImage backs containerized agents when docker is available.
	ContainerImage string `yaml:"container_image"`
	// Shell is the program run in local terminal sessions.
	Shell string `yaml:"shell"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:             "/tmp/aether",
		Listen:           "127.0.0.1:7200",
		RegistrationOpen: true,
		ClusterRole:      RoleStandalone,
		NodeCapacity:     32,
		MaxProcesses:     256,
		IPCQueueMax:      100,
		ContainerImage:   "alpine:3.20",
		Shell:            "/bin/sh",
		LogLevel:         "info",
	}
}

// Load reads the optional config file at path (empty for defaults only),
// applies AETHER_* environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AETHER_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("AETHER_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("AETHER_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("AETHER_REGISTRATION_OPEN"); v != "" {
		c.RegistrationOpen = v != "false"
	}
	if v := os.Getenv("AETHER_CLUSTER_ROLE"); v != "" {
		c.ClusterRole = v
	}
	if v := os.Getenv("AETHER_HUB_URL"); v != "" {
		c.HubURL = v
	}
	if v := os.Getenv("AETHER_NODE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.NodeCapacity = n
		}
	}
	if v := os.Getenv("AETHER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the loaded values and degrades a hub-less node to
// standalone rather than failing boot.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("config: root is required")
	}
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("config: root must be absolute, got %q", c.Root)
	}
	switch c.ClusterRole {
	case RoleStandalone, RoleHub:
	case RoleNode:
		if c.HubURL == "" {
			// Degrade rather than fail boot; the kernel logs a warning.
			c.ClusterRole = RoleStandalone
		}
	default:
		return fmt.Errorf("config: cluster_role must be standalone, hub or node, got %q", c.ClusterRole)
	}
	if c.MaxProcesses < 1 {
		return fmt.Errorf("config: max_processes must be positive")
	}
	if c.IPCQueueMax < 1 {
		return fmt.Errorf("config: ipc_queue_max must be positive")
	}
	return nil
}

// DBPath is the sqlite database file under the root.
func (c *Config) DBPath() string {
	return filepath.Join(c.Root, "var", "aether.db")
}

// SnapshotDir is where snapshot bodies, tarballs and manifests live.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Root, "var", "snapshots")
}
