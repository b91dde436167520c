package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IPCRecord is the audit trail of one inter-process message. Delivery
// itself happens in memory; the log exists for inspection and replay
// after a crash.
type IPCRecord struct {
	ID        int64
	MsgID     string
	FromPID   int
	ToPID     int
	FromUID   string
	ToUID     string
	Channel   string
	Payload   string // JSON
	Delivered bool
	CreatedAt time.Time
}

func (s *Store) LogIPC(r *IPCRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO ipc_log (msg_id, from_pid, to_pid, from_uid, to_uid, channel, payload, delivered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MsgID, r.FromPID, r.ToPID, r.FromUID, r.ToUID, r.Channel, r.Payload, r.Delivered)
	if err != nil {
		return fmt.Errorf("log ipc: %w", err)
	}
	return nil
}

func (s *Store) MarkIPCDelivered(msgID string) error {
	_, err := s.db.Exec("UPDATE ipc_log SET delivered = 1 WHERE msg_id = ?", msgID)
	if err != nil {
		return fmt.Errorf("mark ipc delivered: %w", err)
	}
	return nil
}

func (s *Store) ListIPC(toPID, limit int) ([]*IPCRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, msg_id, from_pid, to_pid, from_uid, to_uid, channel, payload, delivered, created_at
		 FROM ipc_log WHERE to_pid = ? ORDER BY id DESC LIMIT ?`, toPID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ipc: %w", err)
	}
	defer rows.Close()

	var recs []*IPCRecord
	for rows.Next() {
		var r IPCRecord
		if err := rows.Scan(&r.ID, &r.MsgID, &r.FromPID, &r.ToPID, &r.FromUID, &r.ToUID,
			&r.Channel, &r.Payload, &r.Delivered, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ipc record: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// --- Kernel config ---

// SetKernelConfig stores a key/value pair that must survive restarts,
// like the generated auth secret.
func (s *Store) SetKernelConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO kernel_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set kernel config: %w", err)
	}
	return nil
}

func (s *Store) GetKernelConfig(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM kernel_config WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kernel config: %w", err)
	}
	return v, nil
}
