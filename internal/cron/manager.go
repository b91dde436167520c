package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

// SpawnFunc starts an agent from a stored JSON configuration. The source
// tells the callee what scheduled it ("cron:<id>" or "trigger:<id>").
type SpawnFunc func(config, source string) error

// Manager runs the 60 s scheduler tick over persisted cron jobs.
type Manager struct {
	st    *store.Store
	bus   *events.Bus
	log   *slog.Logger
	spawn SpawnFunc
	clock func() time.Time
}

func NewManager(st *store.Store, bus *events.Bus, log *slog.Logger, spawn SpawnFunc) *Manager {
	return &Manager{st: st, bus: bus, log: log, spawn: spawn, clock: time.Now}
}

// Start runs the tick loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.clock())
		}
	}
}

// Tick fires every enabled job due at now. A failing job does not stop
// the others.
func (m *Manager) Tick(now time.Time) {
	jobs, err := m.st.DueCronJobs(now)
	if err != nil {
		m.log.Error("fetch due cron jobs", "err", err)
		return
	}
	for _, j := range jobs {
		if err := m.fire(j, now); err != nil {
			m.log.Error("cron job failed", "job", j.ID, "name", j.Name, "err", err)
		}
	}
}

func (m *Manager) fire(j *store.CronJob, now time.Time) error {
	sched, err := Parse(j.Expression)
	if err != nil {
		return err
	}
	if err := m.spawn(j.Config, "cron:"+j.ID); err != nil {
		return err
	}
	if err := m.st.MarkCronJobRun(j.ID, now, sched.Next(now)); err != nil {
		return err
	}
	m.bus.Emit(protocol.EventCronFired, events.M{"id": j.ID, "name": j.Name})
	return nil
}

// CreateJob validates the expression, computes next_run and persists.
func (m *Manager) CreateJob(name, expression, config, owner string) (*store.CronJob, error) {
	sched, err := Parse(expression)
	if err != nil {
		return nil, kerr.Wrap(kerr.Validation, kerr.CodeValidation, err, "invalid cron expression")
	}
	if config == "" {
		config = "{}"
	}
	j := &store.CronJob{
		ID:         "cron-" + uuid.NewString()[:8],
		Name:       name,
		Expression: expression,
		Config:     config,
		Enabled:    true,
		Owner:      owner,
		NextRun:    sched.Next(m.clock()),
	}
	if err := m.st.CreateCronJob(j); err != nil {
		return nil, err
	}
	m.bus.Emit(protocol.EventCronCreated, events.M{"id": j.ID, "name": name, "expression": expression})
	return j, nil
}

// DeleteJob removes a job.
func (m *Manager) DeleteJob(id string) error {
	if err := m.st.DeleteCronJob(id); err != nil {
		return kerr.NotFoundf("no such cron job: %s", id)
	}
	m.bus.Emit(protocol.EventCronDeleted, events.M{"id": id})
	return nil
}

// ListJobs returns all jobs.
func (m *Manager) ListJobs() ([]*store.CronJob, error) {
	return m.st.ListCronJobs()
}

// Rescan recomputes next_run for every job, used after a restart so
// stale schedules do not fire in a burst.
func (m *Manager) Rescan() {
	jobs, err := m.st.ListCronJobs()
	if err != nil {
		m.log.Error("cron rescan", "err", err)
		return
	}
	now := m.clock()
	for _, j := range jobs {
		sched, err := Parse(j.Expression)
		if err != nil {
			m.log.Warn("cron rescan: bad expression", "job", j.ID, "err", err)
			continue
		}
		if j.NextRun.Before(now) {
			if err := m.st.SetCronJobNextRun(j.ID, sched.Next(now)); err != nil {
				m.log.Error("cron rescan: update", "job", j.ID, "err", err)
			}
		}
	}
}
