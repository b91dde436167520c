// Package kernel boots the orchestrator: it wires the store, virtual
// filesystem, process table, schedulers, memory, snapshots, webhooks
// and the WS server, and owns graceful shutdown.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aetherhq/aether/internal/auth"
	"github.com/aetherhq/aether/internal/cluster"
	"github.com/aetherhq/aether/internal/config"
	"github.com/aetherhq/aether/internal/container"
	"github.com/aetherhq/aether/internal/cron"
	"github.com/aetherhq/aether/internal/dispatch"
	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/logger"
	"github.com/aetherhq/aether/internal/memory"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/server"
	"github.com/aetherhq/aether/internal/snapshot"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/tty"
	"github.com/aetherhq/aether/internal/vfs"
	"github.com/aetherhq/aether/internal/webhook"
)

const shutdownGrace = 2 * time.Second

// Run boots the kernel and blocks until SIGTERM/SIGINT.
func Run(cfg *config.Config) error {
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logger.With("kernel")
	bus := events.NewBus()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fs, err := vfs.New(cfg.Root, bus, logger.With("vfs"))
	if err != nil {
		return fmt.Errorf("init vfs: %w", err)
	}
	hostname, _ := os.Hostname()
	if err := fs.InitLayout(hostname); err != nil {
		return fmt.Errorf("init layout: %w", err)
	}

	// Processes that were alive when the previous kernel died are
	// unrecoverable; mark them dead before anything else reads the table.
	recoverInterrupted(st, log)

	containers := container.NewManager(cfg.ContainerImage, fs.Root(), logger.With("container"))
	defer containers.Close()

	procOpts := proc.Options{
		MaxProcesses: cfg.MaxProcesses,
		IPCQueueMax:  cfg.IPCQueueMax,
	}
	if containers.Available() {
		procOpts.Provisioner = containers
	}
	procs := proc.NewManager(bus, st, fs, logger.With("proc"), procOpts)
	ttys := tty.NewManager(bus, fs, containers, logger.With("tty"))

	spawnFromConfig := func(cfgJSON, source string) error {
		var ac proc.AgentConfig
		if err := json.Unmarshal([]byte(cfgJSON), &ac); err != nil {
			return fmt.Errorf("parse agent config: %w", err)
		}
		_, err := procs.Spawn(context.Background(), proc.SpawnRequest{
			Name:   source,
			Config: ac,
		})
		return err
	}

	crons := cron.NewManager(st, bus, logger.With("cron"), spawnFromConfig)
	triggers := cron.NewTriggerEngine(st, bus, logger.With("trigger"), spawnFromConfig)
	memories := memory.NewManager(st, bus, logger.With("memory"))
	snapshots := snapshot.NewManager(st, fs, procs, bus, logger.With("snapshot"))

	hooks := webhook.NewDispatcher(st, bus, logger.With("webhook"))
	if err := hooks.Start(); err != nil {
		return fmt.Errorf("start webhooks: %w", err)
	}
	defer hooks.Stop()

	secret, err := auth.LoadOrGenerateSecret(st, cfg.Secret)
	if err != nil {
		return fmt.Errorf("load secret: %w", err)
	}
	authSvc := auth.NewService(st, logger.With("auth"), secret, cfg.RegistrationOpen)
	if err := authSvc.EnsureDefaultAdmin(); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	if n, err := st.CountOrgs(); err == nil && n == 0 {
		log.Warn("no organizations exist, all authenticated users have full access")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *cluster.Hub
	role := cfg.ClusterRole
	switch role {
	case config.RoleHub:
		hub = cluster.NewHub(bus, logger.With("cluster"))
		hub.Start(ctx)
	case config.RoleNode:
		if cfg.HubURL == "" {
			log.Warn("cluster role is node but no hub url set, running standalone")
			role = config.RoleStandalone
			cfg.ClusterRole = role
		} else {
			agent := cluster.NewAgent(cfg.HubURL, "http://"+cfg.Listen, hostname,
				cfg.NodeCapacity, procs.LiveCount, logger.With("cluster"))
			if err := agent.Start(ctx); err != nil {
				log.Warn("hub unreachable, running standalone", "err", err)
				role = config.RoleStandalone
				cfg.ClusterRole = role
			}
		}
	}

	d := dispatch.New(dispatch.Deps{
		Auth:      authSvc,
		Procs:     procs,
		FS:        fs,
		TTYs:      ttys,
		Crons:     crons,
		Triggers:  triggers,
		Memories:  memories,
		Snapshots: snapshots,
		Webhooks:  hooks,
		Hub:       hub,
		Store:     st,
		Bus:       bus,
		Config:    cfg,
	}, logger.With("dispatch"))

	srv := server.New(cfg, d, bus, hub, logger.With("server"))

	// On-start rescans: stale cron next_run values and persisted triggers.
	crons.Rescan()
	go crons.Start(ctx)
	if err := triggers.Start(); err != nil {
		return fmt.Errorf("start triggers: %w", err)
	}
	defer triggers.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	bus.Emit(protocol.EventKernelReady, events.M{
		"role":     role,
		"hostname": hostname,
	})
	log.Info("kernel ready", "root", cfg.Root, "listen", cfg.Listen, "role", role)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	cancel()
	procs.Shutdown(shutdownGrace)
	ttys.CloseAll()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "err", err)
	}
	return nil
}

// recoverInterrupted marks processes left running by a previous kernel
// as dead. Their homes survive; snapshots can resurrect them.
func recoverInterrupted(st *store.Store, log *slog.Logger) {
	pids, err := st.ListInterruptedProcesses()
	if err != nil {
		log.Warn("scan interrupted processes", "err", err)
		return
	}
	for _, pid := range pids {
		if err := st.SetProcessState(pid, "dead", "failed"); err != nil {
			log.Warn("mark interrupted process dead", "pid", pid, "err", err)
			continue
		}
		log.Info("recovered interrupted process", "pid", pid)
	}
}
