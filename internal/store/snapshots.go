package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SnapshotRow is the catalog entry for a captured agent snapshot. The
// body, tarball and manifest live on disk; the row only points at them.
type SnapshotRow struct {
	ID           string
	PID          int
	UID          string
	Description  string
	BodyPath     string
	TarballPath  string
	ManifestPath string
	CreatedAt    time.Time
}

// Plan is the persisted planning state of an agent.
type Plan struct {
	ID        string
	PID       int
	AgentID   string
	State     string // JSON
	Active    bool
	UpdatedAt time.Time
}

// Reflection is a free-form self-assessment note written by an agent.
type Reflection struct {
	ID        string
	AgentID   string
	Content   string
	CreatedAt time.Time
}

func (s *Store) CreateSnapshot(sn *SnapshotRow) error {
	_, err := s.db.Exec(
		`INSERT INTO snapshots (id, pid, uid, description, body_path, tarball_path, manifest_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.PID, sn.UID, sn.Description, sn.BodyPath, sn.TarballPath, sn.ManifestPath)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(id string) (*SnapshotRow, error) {
	var sn SnapshotRow
	err := s.db.QueryRow(
		`SELECT id, pid, uid, description, body_path, tarball_path, manifest_path, created_at
		 FROM snapshots WHERE id = ?`, id).
		Scan(&sn.ID, &sn.PID, &sn.UID, &sn.Description, &sn.BodyPath, &sn.TarballPath,
			&sn.ManifestPath, &sn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &sn, nil
}

func (s *Store) ListSnapshots() ([]*SnapshotRow, error) {
	rows, err := s.db.Query(
		`SELECT id, pid, uid, description, body_path, tarball_path, manifest_path, created_at
		 FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*SnapshotRow
	for rows.Next() {
		var sn SnapshotRow
		if err := rows.Scan(&sn.ID, &sn.PID, &sn.UID, &sn.Description, &sn.BodyPath,
			&sn.TarballPath, &sn.ManifestPath, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, &sn)
	}
	return snaps, rows.Err()
}

func (s *Store) DeleteSnapshot(id string) error {
	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Plans ---

func (s *Store) UpsertPlan(p *Plan) error {
	_, err := s.db.Exec(
		`INSERT INTO plans (id, pid, agent_id, state, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, active=excluded.active, updated_at=CURRENT_TIMESTAMP`,
		p.ID, p.PID, p.AgentID, p.State, p.Active)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *Store) ActivePlan(agentID string) (*Plan, error) {
	var p Plan
	err := s.db.QueryRow(
		`SELECT id, pid, agent_id, state, active, updated_at FROM plans
		 WHERE agent_id = ? AND active = 1 ORDER BY updated_at DESC LIMIT 1`, agentID).
		Scan(&p.ID, &p.PID, &p.AgentID, &p.State, &p.Active, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active plan: %w", err)
	}
	return &p, nil
}

// --- Reflections ---

func (s *Store) AddReflection(r *Reflection) error {
	_, err := s.db.Exec(
		"INSERT INTO reflections (id, agent_id, content) VALUES (?, ?, ?)",
		r.ID, r.AgentID, r.Content)
	if err != nil {
		return fmt.Errorf("add reflection: %w", err)
	}
	return nil
}

func (s *Store) ListReflections(agentID string, limit int) ([]*Reflection, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, content, created_at FROM reflections
		 WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()

	var refs []*Reflection
	for rows.Next() {
		var r Reflection
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		refs = append(refs, &r)
	}
	return refs, rows.Err()
}
