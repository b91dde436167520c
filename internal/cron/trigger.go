package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

// Families the trigger engine never reacts to, so a trigger firing
// cannot feed itself.
var ignoredPrefixes = []string{"cron.", "trigger.", "memory."}

// TriggerEngine spawns agents in response to bus events.
type TriggerEngine struct {
	st    *store.Store
	bus   *events.Bus
	log   *slog.Logger
	spawn SpawnFunc
	clock func() time.Time

	mu       sync.Mutex
	triggers []*store.EventTrigger
	unsub    func()
}

func NewTriggerEngine(st *store.Store, bus *events.Bus, log *slog.Logger, spawn SpawnFunc) *TriggerEngine {
	return &TriggerEngine{st: st, bus: bus, log: log, spawn: spawn, clock: time.Now}
}

// Start loads persisted triggers and begins listening on the wildcard
// channel.
func (e *TriggerEngine) Start() error {
	if err := e.reload(); err != nil {
		return err
	}
	e.unsub = e.bus.On(events.Wildcard, e.handle)
	return nil
}

// Stop detaches from the bus.
func (e *TriggerEngine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
}

func (e *TriggerEngine) reload() error {
	triggers, err := e.st.ListTriggers()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.triggers = triggers
	e.mu.Unlock()
	return nil
}

func (e *TriggerEngine) handle(evt events.Event) {
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(evt.Type, p) {
			return
		}
	}

	e.mu.Lock()
	candidates := append([]*store.EventTrigger(nil), e.triggers...)
	e.mu.Unlock()

	now := e.clock()
	for _, t := range candidates {
		if !matchType(t.EventType, evt.Type) {
			continue
		}
		// Cooldown fields are shared with concurrent deliveries; the
		// lock cannot be held across spawn, which re-enters the bus.
		e.mu.Lock()
		cooling := t.LastFired != nil && t.CooldownMS > 0 &&
			now.Sub(*t.LastFired) < time.Duration(t.CooldownMS)*time.Millisecond
		e.mu.Unlock()
		if cooling {
			continue
		}
		if t.EventFilter != nil && !matchFilter(*t.EventFilter, evt.Data) {
			continue
		}
		if err := e.spawn(t.Config, "trigger:"+t.ID); err != nil {
			e.log.Error("trigger spawn failed", "trigger", t.ID, "err", err)
			continue
		}
		fired := now
		e.mu.Lock()
		t.LastFired = &fired
		t.FireCount++
		e.mu.Unlock()
		if err := e.st.MarkTriggerFired(t.ID, now); err != nil {
			e.log.Error("mark trigger fired", "trigger", t.ID, "err", err)
		}
		e.bus.Emit(protocol.EventTriggerFired, events.M{
			"id": t.ID, "name": t.Name, "event": evt.Type,
		})
	}
}

// matchType accepts exact names and "prefix.*" globs.
func matchType(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// matchFilter requires every filter key to equal the payload value.
// Comparison is shallow and stringly: payloads cross the JSON boundary
// and arrive with mixed numeric types.
func matchFilter(filterJSON string, data events.M) bool {
	var filter map[string]any
	if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// CreateTrigger persists a trigger and adds it to the live set.
func (e *TriggerEngine) CreateTrigger(name, eventType, filterJSON, config string, cooldownMS int64, owner string) (*store.EventTrigger, error) {
	if eventType == "" {
		return nil, kerr.Validationf("trigger event type required")
	}
	if filterJSON != "" {
		var probe map[string]any
		if err := json.Unmarshal([]byte(filterJSON), &probe); err != nil {
			return nil, kerr.Validationf("trigger filter must be a JSON object")
		}
	}
	if config == "" {
		config = "{}"
	}
	t := &store.EventTrigger{
		ID:         "trig-" + uuid.NewString()[:8],
		Name:       name,
		EventType:  eventType,
		Config:     config,
		CooldownMS: cooldownMS,
		Owner:      owner,
	}
	if filterJSON != "" {
		t.EventFilter = &filterJSON
	}
	if err := e.st.CreateTrigger(t); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.triggers = append(e.triggers, t)
	e.mu.Unlock()
	e.bus.Emit(protocol.EventTriggerCreated, events.M{"id": t.ID, "name": name, "eventType": eventType})
	return t, nil
}

// DeleteTrigger removes a trigger from the store and the live set.
func (e *TriggerEngine) DeleteTrigger(id string) error {
	if err := e.st.DeleteTrigger(id); err != nil {
		return kerr.NotFoundf("no such trigger: %s", id)
	}
	e.mu.Lock()
	for i, t := range e.triggers {
		if t.ID == id {
			e.triggers = append(e.triggers[:i], e.triggers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.bus.Emit(protocol.EventTriggerDeleted, events.M{"id": id})
	return nil
}

// ListTriggers returns the persisted triggers.
func (e *TriggerEngine) ListTriggers() ([]*store.EventTrigger, error) {
	return e.st.ListTriggers()
}
