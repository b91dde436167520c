// Package memory implements the four-layer agent memory: episodic,
// semantic, procedural and social records with importance decay,
// full-text recall, sharing and consolidation.
package memory

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

// Memory layers.
const (
	LayerEpisodic   = "episodic"
	LayerSemantic   = "semantic"
	LayerProcedural = "procedural"
	LayerSocial     = "social"
)

const (
	defaultLayerCap   = 1000
	defaultRecallMax  = 20
	dailyDecay        = 0.99
	sharedScaleFactor = 0.8
)

func validLayer(layer string) bool {
	switch layer {
	case LayerEpisodic, LayerSemantic, LayerProcedural, LayerSocial:
		return true
	}
	return false
}

// Manager owns memory storage policy on top of the store.
type Manager struct {
	st       *store.Store
	bus      *events.Bus
	log      *slog.Logger
	layerCap int
	clock    func() time.Time
}

func NewManager(st *store.Store, bus *events.Bus, log *slog.Logger) *Manager {
	return &Manager{st: st, bus: bus, log: log, layerCap: defaultLayerCap, clock: time.Now}
}

// StoreRequest describes a memory to save.
type StoreRequest struct {
	AgentID    string
	Layer      string
	Content    string
	Tags       []string
	Importance float64
	ExpiresAt  *time.Time
	SourcePID  *int
}

// Store saves a memory, evicting the lowest-value entries if the
// agent's layer is at capacity.
func (m *Manager) Store(req StoreRequest) (*store.MemoryRecord, error) {
	if req.AgentID == "" {
		return nil, kerr.Validationf("memory agent id required")
	}
	if !validLayer(req.Layer) {
		return nil, kerr.Validationf("invalid memory layer %q", req.Layer)
	}
	if req.Content == "" {
		return nil, kerr.Validationf("memory content required")
	}

	imp := math.Max(0, math.Min(1, req.Importance))
	now := m.clock().UTC()

	if n, err := m.st.CountMemories(req.AgentID, req.Layer); err == nil && n >= m.layerCap {
		if err := m.evict(req.AgentID, req.Layer, n-m.layerCap+1, now); err != nil {
			m.log.Warn("memory eviction failed", "agent", req.AgentID, "layer", req.Layer, "err", err)
		}
	}

	rec := &store.MemoryRecord{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		Layer:        req.Layer,
		Content:      req.Content,
		Tags:         req.Tags,
		Importance:   imp,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    req.ExpiresAt,
		SourcePID:    req.SourcePID,
	}
	if err := m.st.InsertMemory(rec); err != nil {
		return nil, err
	}
	m.bus.Emit(protocol.EventMemoryStored, events.M{
		"id": rec.ID, "agentId": req.AgentID, "layer": req.Layer,
	})
	return rec, nil
}

// evict removes the n lowest-ranked memories of one agent layer.
func (m *Manager) evict(agentID, layer string, n int, now time.Time) error {
	mems, err := m.st.ListMemories(agentID, layer)
	if err != nil {
		return err
	}
	sort.Slice(mems, func(i, j int) bool {
		return effectiveImportance(mems[i], now) < effectiveImportance(mems[j], now)
	})
	for i := 0; i < n && i < len(mems); i++ {
		if err := m.st.DeleteMemory(mems[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// effectiveImportance applies the daily decay since last access.
func effectiveImportance(rec *store.MemoryRecord, now time.Time) float64 {
	days := now.Sub(rec.LastAccessed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return rec.Importance * math.Pow(dailyDecay, days)
}

// RecallRequest scopes a recall.
type RecallRequest struct {
	AgentID       string
	Query         string
	Layer         string
	Tags          []string
	MinImportance float64
	Limit         int
}

// Recall returns matching memories ranked by decayed importance. Every
// returned record has its access count bumped.
func (m *Manager) Recall(req RecallRequest) ([]*store.MemoryRecord, error) {
	if req.Layer != "" && !validLayer(req.Layer) {
		return nil, kerr.Validationf("invalid memory layer %q", req.Layer)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRecallMax
	}

	var (
		mems []*store.MemoryRecord
		err  error
	)
	if req.Query != "" {
		// Over-fetch so post-filters still fill the limit.
		mems, err = m.st.SearchMemories(req.Query, 2*limit)
	} else {
		mems, err = m.st.ListMemories(req.AgentID, req.Layer)
	}
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	filtered := mems[:0]
	for _, rec := range mems {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			continue
		}
		if req.AgentID != "" && rec.AgentID != req.AgentID {
			continue
		}
		if req.Layer != "" && rec.Layer != req.Layer {
			continue
		}
		if len(req.Tags) > 0 && !anyTag(rec.Tags, req.Tags) {
			continue
		}
		if req.MinImportance > 0 && effectiveImportance(rec, now) < req.MinImportance {
			continue
		}
		filtered = append(filtered, rec)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return effectiveImportance(filtered[i], now) > effectiveImportance(filtered[j], now)
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	for _, rec := range filtered {
		if err := m.st.TouchMemory(rec.ID, now); err != nil {
			m.log.Warn("touch memory failed", "id", rec.ID, "err", err)
		}
	}
	m.bus.Emit(protocol.EventMemoryRecalled, events.M{
		"agentId": req.AgentID, "count": len(filtered),
	})
	return filtered, nil
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Share copies a memory to another agent with scaled importance and a
// provenance tag. Only the owner may share.
func (m *Manager) Share(memoryID, from, to string) (*store.MemoryRecord, error) {
	orig, err := m.st.GetMemory(memoryID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, kerr.NotFoundf("no such memory: %s", memoryID)
	}
	if orig.AgentID != from {
		return nil, kerr.Permissionf("memory %s is not owned by %s", memoryID, from)
	}

	now := m.clock().UTC()
	cp := &store.MemoryRecord{
		ID:           uuid.NewString(),
		AgentID:      to,
		Layer:        orig.Layer,
		Content:      orig.Content,
		Tags:         append(append([]string(nil), orig.Tags...), "shared_from:"+from),
		Importance:   orig.Importance * sharedScaleFactor,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    orig.ExpiresAt,
		Related:      []string{orig.ID},
	}
	if err := m.st.InsertMemory(cp); err != nil {
		return nil, err
	}
	m.bus.Emit(protocol.EventMemoryShared, events.M{
		"id": cp.ID, "from": from, "to": to, "original": orig.ID,
	})
	return cp, nil
}

// Forget deletes a memory if the caller owns it.
func (m *Manager) Forget(memoryID, owner string) error {
	rec, err := m.st.GetMemory(memoryID)
	if err != nil {
		return err
	}
	if rec == nil {
		return kerr.NotFoundf("no such memory: %s", memoryID)
	}
	if rec.AgentID != owner {
		return kerr.Permissionf("memory %s is not owned by %s", memoryID, owner)
	}
	if err := m.st.DeleteMemory(memoryID); err != nil {
		return err
	}
	m.bus.Emit(protocol.EventMemoryForgotten, events.M{"id": memoryID, "agentId": owner})
	return nil
}

// Consolidate expires stale memories and enforces layer caps for one
// agent, returning how many records were removed.
func (m *Manager) Consolidate(agentID string) (int, error) {
	now := m.clock().UTC()
	removed, err := m.st.DeleteExpiredMemories(agentID, now)
	if err != nil {
		return 0, err
	}
	for _, layer := range []string{LayerEpisodic, LayerSemantic, LayerProcedural, LayerSocial} {
		n, err := m.st.CountMemories(agentID, layer)
		if err != nil {
			return removed, err
		}
		if n > m.layerCap {
			if err := m.evict(agentID, layer, n-m.layerCap, now); err != nil {
				return removed, err
			}
			removed += n - m.layerCap
		}
	}
	m.bus.Emit(protocol.EventMemoryConsolidated, events.M{
		"agentId": agentID, "removed": removed,
	})
	return removed, nil
}
