package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Plugin is installed-plugin metadata. The kernel stores and routes it;
// it never loads plugin code.
type Plugin struct {
	ID          string
	Name        string
	Version     string
	Manifest    string // opaque JSON
	Enabled     bool
	InstalledAt time.Time
}

func (s *Store) UpsertPlugin(p *Plugin) error {
	_, err := s.db.Exec(
		`INSERT INTO plugins (id, name, version, manifest, enabled) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET version = excluded.version,
		 manifest = excluded.manifest, enabled = excluded.enabled`,
		p.ID, p.Name, p.Version, p.Manifest, p.Enabled)
	if err != nil {
		return fmt.Errorf("upsert plugin: %w", err)
	}
	return nil
}

func (s *Store) GetPlugin(name string) (*Plugin, error) {
	var p Plugin
	err := s.db.QueryRow(
		`SELECT id, name, version, manifest, enabled, installed_at
		 FROM plugins WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.Version, &p.Manifest, &p.Enabled, &p.InstalledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPlugins() ([]*Plugin, error) {
	rows, err := s.db.Query(
		`SELECT id, name, version, manifest, enabled, installed_at
		 FROM plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		var p Plugin
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Manifest, &p.Enabled, &p.InstalledAt); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) SetPluginEnabled(name string, enabled bool) error {
	res, err := s.db.Exec("UPDATE plugins SET enabled = ? WHERE name = ?", enabled, name)
	if err != nil {
		return fmt.Errorf("set plugin enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %q not found", name)
	}
	return nil
}

func (s *Store) DeletePlugin(name string) error {
	res, err := s.db.Exec("DELETE FROM plugins WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %q not found", name)
	}
	return nil
}
