package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/aetherhq/aether/internal/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *fakeWriter) WriteFrame(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.frames = append(w.frames, cp)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return nil
	}
	return w.frames[len(w.frames)-1]
}

func rawEvent(eventType string, n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"event":%q,"data":{"n":%d}}`, eventType, n))
}

func TestSendImmediateBackpressure(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	c.outstanding.Add(MaxSocketBytes + 1)

	c.SendEventImmediate("agent.thought", rawEvent("agent.thought", 1))
	if w.count() != 0 {
		t.Fatalf("non-critical frame written under backpressure")
	}

	c.SendEventImmediate("response.ok", json.RawMessage(`{"type":"response.ok","id":"1"}`))
	if w.count() != 1 {
		t.Fatalf("critical frame dropped under backpressure")
	}

	c.outstanding.Add(-(MaxSocketBytes + 1))
	c.SendEventImmediate("agent.thought", rawEvent("agent.thought", 2))
	if w.count() != 2 {
		t.Fatalf("frame dropped without backpressure")
	}
}

func TestFlushWritesSingleArrayInOrder(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.BufferEvent("fs.changed", rawEvent("fs.changed", i))
	}
	c.Flush()

	if w.count() != 1 {
		t.Fatalf("frames = %d, want 1", w.count())
	}
	var batch []map[string]any
	if err := json.Unmarshal(w.last(), &batch); err != nil {
		t.Fatalf("flush frame is not a JSON array: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d", len(batch))
	}
	for i, item := range batch {
		data := item["data"].(map[string]any)
		if data["n"] != float64(i) {
			t.Fatalf("batch out of order at %d: %v", i, item)
		}
	}

	// An empty queue flushes nothing.
	c.Flush()
	if w.count() != 1 {
		t.Fatalf("empty flush wrote a frame")
	}
}

func TestBatchMaxFlushesImmediately(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	for i := 0; i < BatchMaxSize; i++ {
		c.BufferEvent("tty.output", rawEvent("tty.output", i))
	}
	if w.count() != 1 {
		t.Fatalf("batch max did not flush, frames = %d", w.count())
	}
	var batch []json.RawMessage
	json.Unmarshal(w.last(), &batch)
	if len(batch) != BatchMaxSize {
		t.Fatalf("batch size = %d", len(batch))
	}
}

func TestBackpressureFlushKeepsOnlyCritical(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	c.outstanding.Add(MaxSocketBytes + 1)

	for i := 0; i < 100; i++ {
		c.BufferEvent("agent.thought", rawEvent("agent.thought", i))
	}
	c.BufferEvent("response.ok", json.RawMessage(`{"type":"response.ok","id":"42"}`))
	c.Flush()

	if w.count() != 1 {
		t.Fatalf("frames = %d, want exactly 1", w.count())
	}
	var batch []map[string]any
	if err := json.Unmarshal(w.last(), &batch); err != nil {
		t.Fatalf("flush frame is not a JSON array: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %v, want only the response", batch)
	}
	if batch[0]["type"] != "response.ok" {
		t.Fatalf("survivor = %v", batch[0])
	}
}

func TestFullQueueEvictsOldestNonCritical(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	c.pending = append(c.pending,
		queuedEvent{eventType: "response.ok", payload: json.RawMessage(`{"type":"response.ok"}`)},
		queuedEvent{eventType: "fs.changed", payload: rawEvent("fs.changed", 0)},
	)
	for i := len(c.pending); i < MaxQueuedEvents; i++ {
		c.pending = append(c.pending, queuedEvent{eventType: "tty.output", payload: rawEvent("tty.output", i)})
	}

	// The push evicts the oldest non-critical entry, then the batch-max
	// rule flushes the whole queue.
	c.BufferEvent("process.exit", rawEvent("process.exit", 999))

	if w.count() != 1 {
		t.Fatalf("frames = %d", w.count())
	}
	var batch []map[string]any
	if err := json.Unmarshal(w.last(), &batch); err != nil {
		t.Fatalf("bad flush frame: %v", err)
	}
	if len(batch) != MaxQueuedEvents {
		t.Fatalf("batch length = %d", len(batch))
	}
	if batch[0]["type"] != "response.ok" {
		t.Fatalf("critical head evicted: %v", batch[0])
	}
	if batch[1]["event"] == "fs.changed" {
		t.Fatalf("oldest non-critical survived")
	}
	if batch[len(batch)-1]["event"] != "process.exit" {
		t.Fatalf("newest event missing from tail: %v", batch[len(batch)-1])
	}
}

func TestSubscriptionPatterns(t *testing.T) {
	c := NewConn(&fakeWriter{}, slog.Default())
	defer c.Close()

	if c.Wants("process.exit") {
		t.Fatalf("fresh connection wants events")
	}

	c.Subscribe("process.*", "kernel.ready")
	if !c.Wants("process.exit") || !c.Wants("kernel.ready") {
		t.Fatalf("subscription not matching")
	}
	if c.Wants("fs.changed") {
		t.Fatalf("unsubscribed event matched")
	}

	c.Unsubscribe("process.*")
	if c.Wants("process.exit") {
		t.Fatalf("unsubscribe did not remove pattern")
	}
	if !c.Wants("kernel.ready") {
		t.Fatalf("unsubscribe removed the wrong pattern")
	}

	c.Subscribe("*")
	if !c.Wants("anything.else") {
		t.Fatalf("wildcard subscription not matching")
	}
}

func TestDeliverEventBuffersSubscribed(t *testing.T) {
	w := &fakeWriter{}
	c := NewConn(w, slog.Default())
	defer c.Close()

	c.Subscribe("fs.*")
	c.DeliverEvent(events.Event{Type: "fs.changed", Data: events.M{"path": "/x"}})
	c.DeliverEvent(events.Event{Type: "tty.output", Data: events.M{}})
	c.Flush()

	var batch []map[string]any
	if err := json.Unmarshal(w.last(), &batch); err != nil {
		t.Fatalf("bad flush frame: %v", err)
	}
	if len(batch) != 1 || batch[0]["event"] != "fs.changed" {
		t.Fatalf("delivered = %v", batch)
	}
}
