package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CronJob is a scheduled agent spawn.
type CronJob struct {
	ID         string
	Name       string
	Expression string
	Config     string // JSON agent configuration
	Enabled    bool
	Owner      string
	LastRun    *time.Time
	NextRun    time.Time
	RunCount   int
	CreatedAt  time.Time
}

// EventTrigger spawns an agent when a matching event fires.
type EventTrigger struct {
	ID          string
	Name        string
	EventType   string  // exact or "prefix.*"
	EventFilter *string // optional JSON object, shallow-matched
	Config      string  // JSON agent configuration
	CooldownMS  int64
	LastFired   *time.Time
	FireCount   int
	Owner       string
	CreatedAt   time.Time
}

func (s *Store) CreateCronJob(j *CronJob) error {
	_, err := s.db.Exec(
		`INSERT INTO cron_jobs (id, name, expression, config, enabled, owner, next_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Expression, j.Config, j.Enabled, j.Owner, j.NextRun.UTC())
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(id string) (*CronJob, error) {
	row := s.db.QueryRow(
		`SELECT id, name, expression, config, enabled, owner, last_run, next_run, run_count, created_at
		 FROM cron_jobs WHERE id = ?`, id)
	return scanCronJob(row)
}

func scanCronJob(row *sql.Row) (*CronJob, error) {
	var j CronJob
	var lastRun sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.Expression, &j.Config, &j.Enabled, &j.Owner,
		&lastRun, &j.NextRun, &j.RunCount, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron job: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRun = &t
	}
	return &j, nil
}

func (s *Store) ListCronJobs() ([]*CronJob, error) {
	return s.queryCronJobs(
		`SELECT id, name, expression, config, enabled, owner, last_run, next_run, run_count, created_at
		 FROM cron_jobs ORDER BY created_at`)
}

// DueCronJobs returns enabled jobs whose next_run is at or before now.
func (s *Store) DueCronJobs(now time.Time) ([]*CronJob, error) {
	return s.queryCronJobs(
		`SELECT id, name, expression, config, enabled, owner, last_run, next_run, run_count, created_at
		 FROM cron_jobs WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (s *Store) queryCronJobs(query string, args ...any) ([]*CronJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		var j CronJob
		var lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Name, &j.Expression, &j.Config, &j.Enabled, &j.Owner,
			&lastRun, &j.NextRun, &j.RunCount, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRun = &t
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// MarkCronJobRun records a successful fire and advances next_run.
func (s *Store) MarkCronJobRun(id string, ranAt, nextRun time.Time) error {
	_, err := s.db.Exec(
		"UPDATE cron_jobs SET last_run = ?, next_run = ?, run_count = run_count + 1 WHERE id = ?",
		ranAt.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark cron job run: %w", err)
	}
	return nil
}

func (s *Store) SetCronJobNextRun(id string, nextRun time.Time) error {
	_, err := s.db.Exec("UPDATE cron_jobs SET next_run = ? WHERE id = ?", nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("set cron next run: %w", err)
	}
	return nil
}

func (s *Store) DeleteCronJob(id string) error {
	res, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Event triggers ---

func (s *Store) CreateTrigger(t *EventTrigger) error {
	_, err := s.db.Exec(
		`INSERT INTO event_triggers (id, name, event_type, event_filter, config, cooldown_ms, owner)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.EventType, t.EventFilter, t.Config, t.CooldownMS, t.Owner)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

func (s *Store) ListTriggers() ([]*EventTrigger, error) {
	rows, err := s.db.Query(
		`SELECT id, name, event_type, event_filter, config, cooldown_ms, last_fired, fire_count, owner, created_at
		 FROM event_triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*EventTrigger
	for rows.Next() {
		var t EventTrigger
		var filter sql.NullString
		var lastFired sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.EventType, &filter, &t.Config, &t.CooldownMS,
			&lastFired, &t.FireCount, &t.Owner, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		if filter.Valid {
			f := filter.String
			t.EventFilter = &f
		}
		if lastFired.Valid {
			lf := lastFired.Time
			t.LastFired = &lf
		}
		triggers = append(triggers, &t)
	}
	return triggers, rows.Err()
}

// MarkTriggerFired records a fire.
func (s *Store) MarkTriggerFired(id string, firedAt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE event_triggers SET last_fired = ?, fire_count = fire_count + 1 WHERE id = ?",
		firedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark trigger fired: %w", err)
	}
	return nil
}

func (s *Store) DeleteTrigger(id string) error {
	res, err := s.db.Exec("DELETE FROM event_triggers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
