package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

// Egress tunables.
const (
	MaxQueuedEvents = 256
	MaxSocketBytes  = 1 << 20
	FlushInterval   = 100 * time.Millisecond
	BatchMaxSize    = 64
)

// frameWriter is the transport a Conn writes frames to. The websocket
// connection satisfies it in internal/server; tests substitute fakes.
type frameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

type queuedEvent struct {
	eventType string
	payload   json.RawMessage
}

// Conn is one client connection: auth state, subscriptions, and the
// backpressure-aware egress buffer.
type Conn struct {
	w       frameWriter
	log     *slog.Logger
	limiter *rate.Limiter

	// outstanding counts bytes handed to the transport but not yet
	// written. The underlying library exposes no bufferedAmount, so
	// slow clients are detected by writes that have not returned.
	outstanding atomic.Int64

	mu      sync.Mutex
	pending []queuedEvent
	subs    []string
	user    *store.User
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewConn(w frameWriter, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		w:       w,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run drives the periodic flush until the connection closes.
func (c *Conn) Run() {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Close stops the flush loop and drops any pending events.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) SetUser(u *store.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

func (c *Conn) User() *store.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Subscribe adds event patterns (exact, "*", or "prefix.*").
func (c *Conn) Subscribe(patterns ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		if p == "" {
			continue
		}
		found := false
		for _, existing := range c.subs {
			if existing == p {
				found = true
				break
			}
		}
		if !found {
			c.subs = append(c.subs, p)
		}
	}
}

// Unsubscribe removes patterns; no patterns means remove all.
func (c *Conn) Unsubscribe(patterns ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(patterns) == 0 {
		c.subs = nil
		return
	}
	kept := c.subs[:0]
	for _, existing := range c.subs {
		remove := false
		for _, p := range patterns {
			if existing == p {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, existing)
		}
	}
	c.subs = kept
}

// Wants reports whether the connection subscribed to an event type.
func (c *Conn) Wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.subs {
		if matchPattern(p, eventType) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// SendEventImmediate writes one frame now. Under backpressure only
// critical frames go through; the rest drop silently.
func (c *Conn) SendEventImmediate(eventType string, payload json.RawMessage) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.outstanding.Load() > MaxSocketBytes && !protocol.Critical(eventType) {
		return
	}
	c.write(payload)
}

// BufferEvent queues a frame for the next flush. A full queue evicts
// the oldest non-critical entry; reaching the batch size flushes now.
func (c *Conn) BufferEvent(eventType string, payload json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.pending) >= MaxQueuedEvents {
		evicted := false
		for i, qe := range c.pending {
			if !protocol.Critical(qe.eventType) {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && !protocol.Critical(eventType) {
			c.mu.Unlock()
			return
		}
	}
	c.pending = append(c.pending, queuedEvent{eventType: eventType, payload: payload})
	full := len(c.pending) >= BatchMaxSize
	c.mu.Unlock()

	if full {
		c.Flush()
	}
}

// Flush writes the pending queue as a single JSON array. Under
// backpressure only critical events survive; the queue always clears.
func (c *Conn) Flush() {
	c.mu.Lock()
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if c.outstanding.Load() > MaxSocketBytes {
		kept := batch[:0]
		for _, qe := range batch {
			if protocol.Critical(qe.eventType) {
				kept = append(kept, qe)
			}
		}
		batch = kept
		if len(batch) == 0 {
			return
		}
	}

	payloads := make([]json.RawMessage, len(batch))
	for i, qe := range batch {
		payloads[i] = qe.payload
	}
	data, err := json.Marshal(payloads)
	if err != nil {
		c.log.Error("marshal egress batch", "err", err)
		return
	}
	c.write(data)
}

func (c *Conn) write(data []byte) {
	n := int64(len(data))
	c.outstanding.Add(n)
	defer c.outstanding.Add(-n)
	if err := c.w.WriteFrame(c.ctx, data); err != nil {
		c.log.Debug("egress write failed", "err", err)
	}
}

// DeliverEvent routes a bus event to this connection if subscribed.
func (c *Conn) DeliverEvent(evt events.Event) {
	if !c.Wants(evt.Type) {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
	if err != nil {
		c.log.Error("marshal event", "event", evt.Type, "err", err)
		return
	}
	c.BufferEvent(evt.Type, payload)
}
