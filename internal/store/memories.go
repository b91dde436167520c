package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryRecord is one typed memory owned by an agent.
type MemoryRecord struct {
	ID           string
	AgentID      string
	Layer        string // episodic, semantic, procedural, social
	Content      string
	Tags         []string
	Importance   float64
	AccessCount  int
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
	SourcePID    *int
	Related      []string
}

const memoryColumns = `id, agent_id, layer, content, tags, importance, access_count,
	created_at, last_accessed, expires_at, source_pid, related`

func (s *Store) InsertMemory(m *MemoryRecord) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	related, err := json.Marshal(m.Related)
	if err != nil {
		return fmt.Errorf("marshal related: %w", err)
	}
	var expires any
	if m.ExpiresAt != nil {
		expires = m.ExpiresAt.UTC()
	}
	var sourcePID any
	if m.SourcePID != nil {
		sourcePID = *m.SourcePID
	}
	_, err = s.db.Exec(
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.Layer, m.Content, string(tags), m.Importance, m.AccessCount,
		m.CreatedAt.UTC(), m.LastAccessed.UTC(), expires, sourcePID, string(related))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Store) GetMemory(id string) (*MemoryRecord, error) {
	rows, err := s.db.Query("SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()
	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, nil
	}
	return mems[0], nil
}

func (s *Store) DeleteMemory(id string) error {
	res, err := s.db.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SearchMemories runs a full-text query over content.
func (s *Store) SearchMemories(query string, limit int) ([]*MemoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+prefixed(memoryColumns, "m.")+`
		 FROM memories m
		 JOIN memories_fts f ON m.rowid = f.rowid
		 WHERE memories_fts MATCH ?
		 ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListMemories returns memories scoped by agent and/or layer; empty
// arguments match everything.
func (s *Store) ListMemories(agentID, layer string) ([]*MemoryRecord, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE 1=1"
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if layer != "" {
		query += " AND layer = ?"
		args = append(args, layer)
	}
	query += " ORDER BY created_at"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) CountMemories(agentID, layer string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memories WHERE agent_id = ? AND layer = ?", agentID, layer).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// TouchMemory bumps access bookkeeping after a recall.
func (s *Store) TouchMemory(id string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// DeleteExpiredMemories removes memories whose expiry has passed.
func (s *Store) DeleteExpiredMemories(agentID string, now time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM memories WHERE agent_id = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		agentID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMemories(rows *sql.Rows) ([]*MemoryRecord, error) {
	var mems []*MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		var tags, related string
		var expires sql.NullTime
		var sourcePID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Layer, &m.Content, &tags, &m.Importance,
			&m.AccessCount, &m.CreatedAt, &m.LastAccessed, &expires, &sourcePID, &related); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		if err := json.Unmarshal([]byte(related), &m.Related); err != nil {
			return nil, fmt.Errorf("unmarshal related: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			m.ExpiresAt = &t
		}
		if sourcePID.Valid {
			p := int(sourcePID.Int64)
			m.SourcePID = &p
		}
		mems = append(mems, &m)
	}
	return mems, rows.Err()
}

// prefixed qualifies each column in a comma-separated list with an alias.
func prefixed(columns, alias string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
