package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ProcessRow is the persisted metadata of a kernel process. The live
// process table is owned by the process manager; these rows survive
// restarts for audit and on-start rescans.
type ProcessRow struct {
	PID       int
	PPID      int
	UID       string
	Name      string
	Command   string
	State     string
	Phase     string
	CWD       string
	Env       string // JSON object
	Config    string // JSON agent configuration
	ExitCode  *int
	CreatedAt time.Time
	ExitedAt  *time.Time
}

// AgentLog is one log line attributed to a process.
type AgentLog struct {
	ID        int64
	PID       int
	Level     string
	Message   string
	CreatedAt time.Time
}

func (s *Store) UpsertProcess(p *ProcessRow) error {
	_, err := s.db.Exec(`INSERT INTO processes (pid, ppid, uid, name, command, state, phase, cwd, env, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			ppid=excluded.ppid, uid=excluded.uid, name=excluded.name, command=excluded.command,
			state=excluded.state, phase=excluded.phase, cwd=excluded.cwd, env=excluded.env, config=excluded.config`,
		p.PID, p.PPID, p.UID, p.Name, p.Command, p.State, p.Phase, p.CWD, p.Env, p.Config)
	if err != nil {
		return fmt.Errorf("upsert process %d: %w", p.PID, err)
	}
	return nil
}

func (s *Store) SetProcessState(pid int, state, phase string) error {
	_, err := s.db.Exec("UPDATE processes SET state = ?, phase = ? WHERE pid = ?", state, phase, pid)
	if err != nil {
		return fmt.Errorf("set process state %d: %w", pid, err)
	}
	return nil
}

func (s *Store) SetProcessExit(pid, exitCode int) error {
	_, err := s.db.Exec(
		"UPDATE processes SET exit_code = ?, exited_at = CURRENT_TIMESTAMP WHERE pid = ?",
		exitCode, pid)
	if err != nil {
		return fmt.Errorf("set process exit %d: %w", pid, err)
	}
	return nil
}

func (s *Store) GetProcess(pid int) (*ProcessRow, error) {
	var p ProcessRow
	var exitCode sql.NullInt64
	var exitedAt sql.NullTime
	err := s.db.QueryRow(`SELECT pid, ppid, uid, name, command, state, phase, cwd, env, config,
		exit_code, created_at, exited_at FROM processes WHERE pid = ?`, pid).
		Scan(&p.PID, &p.PPID, &p.UID, &p.Name, &p.Command, &p.State, &p.Phase, &p.CWD, &p.Env, &p.Config,
			&exitCode, &p.CreatedAt, &exitedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get process %d: %w", pid, err)
	}
	if exitCode.Valid {
		n := int(exitCode.Int64)
		p.ExitCode = &n
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		p.ExitedAt = &t
	}
	return &p, nil
}

// ListInterruptedProcesses returns rows left in a live state by a crash.
func (s *Store) ListInterruptedProcesses() ([]int, error) {
	rows, err := s.db.Query(
		"SELECT pid FROM processes WHERE state NOT IN ('zombie', 'dead')")
	if err != nil {
		return nil, fmt.Errorf("list interrupted processes: %w", err)
	}
	defer rows.Close()

	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan pid: %w", err)
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}

// --- Agent logs ---

func (s *Store) AppendAgentLog(pid int, level, message string) error {
	_, err := s.db.Exec("INSERT INTO agent_logs (pid, level, message) VALUES (?, ?, ?)", pid, level, message)
	if err != nil {
		return fmt.Errorf("append agent log: %w", err)
	}
	return nil
}

func (s *Store) ListAgentLogs(pid int) ([]*AgentLog, error) {
	rows, err := s.db.Query(
		"SELECT id, pid, level, message, created_at FROM agent_logs WHERE pid = ? ORDER BY id", pid)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer rows.Close()

	var entries []*AgentLog
	for rows.Next() {
		var e AgentLog
		if err := rows.Scan(&e.ID, &e.PID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
