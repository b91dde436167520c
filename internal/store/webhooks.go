package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Webhook is an outbound HTTP subscription to kernel events.
type Webhook struct {
	ID           string
	Name         string
	URL          string
	Events       string // JSON array of event types / prefixes
	Enabled      bool
	Secret       string
	MaxRetries   int
	Headers      string // JSON object of extra headers
	FailureCount int
	Owner        string
	CreatedAt    time.Time
}

// WebhookDelivery records one delivery attempt sequence.
type WebhookDelivery struct {
	ID        int64
	WebhookID string
	EventType string
	Status    string // delivered, failed
	Attempts  int
	Error     *string
	CreatedAt time.Time
}

// DLQEntry is a permanently failed delivery, kept for inspection.
type DLQEntry struct {
	ID        int64
	WebhookID string
	EventType string
	Payload   string
	Error     string
	Attempts  int
	CreatedAt time.Time
}

const webhookColumns = `id, name, url, events, enabled, secret, max_retries, headers,
	failure_count, owner, created_at`

func (s *Store) CreateWebhook(w *Webhook) error {
	_, err := s.db.Exec(
		`INSERT INTO webhooks (id, name, url, events, enabled, secret, max_retries, headers, owner)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.URL, w.Events, w.Enabled, w.Secret, w.MaxRetries, w.Headers, w.Owner)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *Store) GetWebhook(id string) (*Webhook, error) {
	row := s.db.QueryRow("SELECT "+webhookColumns+" FROM webhooks WHERE id = ?", id)
	var w Webhook
	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Events, &w.Enabled, &w.Secret, &w.MaxRetries,
		&w.Headers, &w.FailureCount, &w.Owner, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

func (s *Store) ListWebhooks() ([]*Webhook, error) {
	rows, err := s.db.Query("SELECT " + webhookColumns + " FROM webhooks ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.Events, &w.Enabled, &w.Secret,
			&w.MaxRetries, &w.Headers, &w.FailureCount, &w.Owner, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, &w)
	}
	return hooks, rows.Err()
}

func (s *Store) SetWebhookEnabled(id string, enabled bool) error {
	res, err := s.db.Exec("UPDATE webhooks SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("set webhook enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) BumpWebhookFailures(id string) error {
	_, err := s.db.Exec("UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("bump webhook failures: %w", err)
	}
	return nil
}

func (s *Store) DeleteWebhook(id string) error {
	res, err := s.db.Exec("DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) RecordDelivery(d *WebhookDelivery) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_deliveries (webhook_id, event_type, status, attempts, error)
		 VALUES (?, ?, ?, ?, ?)`,
		d.WebhookID, d.EventType, d.Status, d.Attempts, d.Error)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *Store) ListDeliveries(webhookID string, limit int) ([]*WebhookDelivery, error) {
	rows, err := s.db.Query(
		`SELECT id, webhook_id, event_type, status, attempts, error, created_at
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY id DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var dels []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var errStr sql.NullString
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Status, &d.Attempts,
			&errStr, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if errStr.Valid {
			e := errStr.String
			d.Error = &e
		}
		dels = append(dels, &d)
	}
	return dels, rows.Err()
}

func (s *Store) PushDLQ(e *DLQEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_dlq (webhook_id, event_type, payload, error, attempts)
		 VALUES (?, ?, ?, ?, ?)`,
		e.WebhookID, e.EventType, e.Payload, e.Error, e.Attempts)
	if err != nil {
		return fmt.Errorf("push dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(limit int) ([]*DLQEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, webhook_id, event_type, payload, error, attempts, created_at
		 FROM webhook_dlq ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.WebhookID, &e.EventType, &e.Payload, &e.Error,
			&e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
