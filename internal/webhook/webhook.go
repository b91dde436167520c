// Package webhook delivers kernel events to registered HTTP endpoints
// with bounded retries, exponential backoff, and a dead-letter queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

const (
	defaultMaxRetries = 3
	maxBackoff        = 16 * time.Second
	requestTimeout    = 10 * time.Second
)

// Dispatcher watches the bus and fans events out to matching webhooks.
// Delivery runs on its own goroutines so bus emitters never block on
// HTTP egress.
type Dispatcher struct {
	st     *store.Store
	bus    *events.Bus
	log    *slog.Logger
	client *http.Client

	mu    sync.RWMutex
	hooks map[string]*hook

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	backoff func(attempt int) time.Duration
}

type hook struct {
	row      *store.Webhook
	patterns []string
	headers  map[string]string
}

func NewDispatcher(st *store.Store, bus *events.Bus, log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		st:      st,
		bus:     bus,
		log:     log,
		client:  &http.Client{Timeout: requestTimeout},
		hooks:   make(map[string]*hook),
		ctx:     ctx,
		cancel:  cancel,
		backoff: defaultBackoff,
	}
}

// defaultBackoff is min(1000 * 2^attempt, 16000) ms plus up to 1 s jitter.
func defaultBackoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

// Start loads persisted webhooks and subscribes to all bus events.
func (d *Dispatcher) Start() error {
	rows, err := d.st.ListWebhooks()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, row := range rows {
		h, err := newHook(row)
		if err != nil {
			d.log.Warn("skipping malformed webhook", "id", row.ID, "err", err)
			continue
		}
		d.hooks[row.ID] = h
	}
	d.mu.Unlock()

	d.bus.On("*", d.handle)
	return nil
}

// Stop waits for in-flight deliveries to finish or abort.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func newHook(row *store.Webhook) (*hook, error) {
	var patterns []string
	if err := json.Unmarshal([]byte(row.Events), &patterns); err != nil {
		return nil, fmt.Errorf("parse webhook events: %w", err)
	}
	headers := map[string]string{}
	if row.Headers != "" {
		if err := json.Unmarshal([]byte(row.Headers), &headers); err != nil {
			return nil, fmt.Errorf("parse webhook headers: %w", err)
		}
	}
	return &hook{row: row, patterns: patterns, headers: headers}, nil
}

// handle runs synchronously on the emitter; it only selects targets and
// hands the payload to delivery goroutines.
func (d *Dispatcher) handle(evt events.Event) {
	// Webhook bookkeeping events never feed back into delivery.
	if strings.HasPrefix(evt.Type, "webhook.") {
		return
	}

	d.mu.RLock()
	var targets []*hook
	for _, h := range d.hooks {
		if h.row.Enabled && matches(h.patterns, evt.Type) {
			targets = append(targets, h)
		}
	}
	d.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{
		"event":     evt.Type,
		"payload":   evt.Data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.log.Error("marshal webhook body", "event", evt.Type, "err", err)
		return
	}

	for _, h := range targets {
		d.wg.Add(1)
		go d.deliver(h, evt.Type, body)
	}
}

// matches checks an event type against exact names, "*", and
// "prefix.*" globs.
func matches(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if p == "*" || p == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(h *hook, eventType string, body []byte) {
	defer d.wg.Done()

	d.bus.Emit(protocol.EventWebhookFired, events.M{
		"webhookId": h.row.ID, "event": eventType,
	})

	maxRetries := h.row.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt - 1)):
			case <-d.ctx.Done():
				return
			}
		}
		if lastErr = d.post(h, body); lastErr == nil {
			d.recordDelivery(h, eventType, "delivered", attempt+1, nil)
			d.bus.Emit(protocol.EventWebhookDelivery, events.M{
				"webhookId": h.row.ID, "event": eventType, "attempts": attempt + 1,
			})
			return
		}
	}

	errStr := lastErr.Error()
	if err := d.st.BumpWebhookFailures(h.row.ID); err != nil {
		d.log.Warn("bump webhook failures", "id", h.row.ID, "err", err)
	}
	d.recordDelivery(h, eventType, "failed", maxRetries+1, &errStr)
	d.bus.Emit(protocol.EventWebhookFailed, events.M{
		"webhookId": h.row.ID, "event": eventType, "error": errStr,
	})

	if err := d.st.PushDLQ(&store.DLQEntry{
		WebhookID: h.row.ID,
		EventType: eventType,
		Payload:   string(body),
		Error:     errStr,
		Attempts:  maxRetries + 1,
	}); err != nil {
		d.log.Error("push webhook dlq", "id", h.row.ID, "err", err)
		return
	}
	d.bus.Emit(protocol.EventWebhookDLQAdded, events.M{
		"webhookId": h.row.ID, "event": eventType,
	})
}

func (d *Dispatcher) post(h *hook, body []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, h.row.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if h.row.Secret != "" {
		mac := hmac.New(sha256.New, []byte(h.row.Secret))
		mac.Write(body)
		req.Header.Set("X-Aether-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordDelivery(h *hook, eventType, status string, attempts int, errStr *string) {
	if err := d.st.RecordDelivery(&store.WebhookDelivery{
		WebhookID: h.row.ID,
		EventType: eventType,
		Status:    status,
		Attempts:  attempts,
		Error:     errStr,
	}); err != nil {
		d.log.Warn("record webhook delivery", "id", h.row.ID, "err", err)
	}
}

// RegisterRequest describes a new webhook.
type RegisterRequest struct {
	Name       string
	URL        string
	Events     []string
	Secret     string
	MaxRetries int
	Headers    map[string]string
	Owner      string
}

// Register persists and activates a webhook.
func (d *Dispatcher) Register(req RegisterRequest) (*store.Webhook, error) {
	if req.URL == "" {
		return nil, kerr.Validationf("webhook url required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return nil, kerr.Validationf("webhook url must be http or https")
	}
	if len(req.Events) == 0 {
		return nil, kerr.Validationf("webhook needs at least one event pattern")
	}

	eventsJSON, err := json.Marshal(req.Events)
	if err != nil {
		return nil, err
	}
	headersJSON := "{}"
	if len(req.Headers) > 0 {
		raw, err := json.Marshal(req.Headers)
		if err != nil {
			return nil, err
		}
		headersJSON = string(raw)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	row := &store.Webhook{
		ID:         "wh-" + uuid.NewString()[:8],
		Name:       req.Name,
		URL:        req.URL,
		Events:     string(eventsJSON),
		Enabled:    true,
		Secret:     req.Secret,
		MaxRetries: maxRetries,
		Headers:    headersJSON,
		Owner:      req.Owner,
	}
	if err := d.st.CreateWebhook(row); err != nil {
		return nil, err
	}

	h, err := newHook(row)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.hooks[row.ID] = h
	d.mu.Unlock()

	d.bus.Emit(protocol.EventWebhookRegistered, events.M{
		"webhookId": row.ID, "url": row.URL,
	})
	return row, nil
}

// Unregister removes a webhook.
func (d *Dispatcher) Unregister(id string) error {
	if err := d.st.DeleteWebhook(id); err != nil {
		return kerr.NotFoundf("no such webhook: %s", id)
	}
	d.mu.Lock()
	delete(d.hooks, id)
	d.mu.Unlock()

	d.bus.Emit(protocol.EventWebhookUnregistered, events.M{"webhookId": id})
	return nil
}

// SetEnabled toggles a webhook without removing it.
func (d *Dispatcher) SetEnabled(id string, enabled bool) error {
	if err := d.st.SetWebhookEnabled(id, enabled); err != nil {
		return kerr.NotFoundf("no such webhook: %s", id)
	}
	d.mu.Lock()
	if h, ok := d.hooks[id]; ok {
		h.row.Enabled = enabled
	}
	d.mu.Unlock()
	return nil
}

// List returns all registered webhooks.
func (d *Dispatcher) List() ([]*store.Webhook, error) {
	return d.st.ListWebhooks()
}

// Deliveries returns the recent delivery log for one webhook.
func (d *Dispatcher) Deliveries(id string, limit int) ([]*store.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.st.ListDeliveries(id, limit)
}

// DLQ returns recent dead-letter entries.
func (d *Dispatcher) DLQ(limit int) ([]*store.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.st.ListDLQ(limit)
}
