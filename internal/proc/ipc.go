package proc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/store"
)

// IPCMessage is one queued inter-process message.
type IPCMessage struct {
	ID      string    `json:"id"`
	FromPID int       `json:"fromPid"`
	ToPID   int       `json:"toPid"`
	FromUID string    `json:"fromUid"`
	ToUID   string    `json:"toUid"`
	Channel string    `json:"channel"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// Send appends a message to the receiver's queue. A full queue drops
// its oldest entry first. Every message also gets an audit row.
func (m *Manager) Send(fromPID, toPID int, channel string, payload any) (*IPCMessage, error) {
	m.mu.Lock()
	from, ok := m.table[fromPID]
	if !ok && fromPID != 0 {
		m.mu.Unlock()
		return nil, kerr.NotFoundf("no such process: %d", fromPID)
	}
	to, ok := m.table[toPID]
	if !ok || to.State == StateDead {
		m.mu.Unlock()
		return nil, kerr.NotFoundf("no such process: %d", toPID)
	}

	fromUID := "kernel"
	if from != nil {
		fromUID = from.UID
	}
	msg := &IPCMessage{
		ID:      uuid.NewString(),
		FromPID: fromPID,
		ToPID:   toPID,
		FromUID: fromUID,
		ToUID:   to.UID,
		Channel: channel,
		Payload: payload,
		SentAt:  m.clock().UTC(),
	}
	if len(to.queue) >= m.opts.IPCQueueMax {
		to.queue = to.queue[1:]
	}
	to.queue = append(to.queue, *msg)
	m.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("null")
	}
	if err := m.st.LogIPC(&store.IPCRecord{
		MsgID:   msg.ID,
		FromPID: fromPID,
		ToPID:   toPID,
		FromUID: msg.FromUID,
		ToUID:   msg.ToUID,
		Channel: channel,
		Payload: string(body),
	}); err != nil {
		m.log.Warn("ipc audit write failed", "msg", msg.ID, "err", err)
	}

	m.bus.Emit(protocol.EventIPCMessage, events.M{
		"id": msg.ID, "fromPid": fromPID, "toPid": toPID, "channel": channel,
	})
	return msg, nil
}

// Drain removes and returns every queued message for pid, marking each
// delivered.
func (m *Manager) Drain(pid int) ([]IPCMessage, error) {
	m.mu.Lock()
	p, ok := m.table[pid]
	if !ok {
		m.mu.Unlock()
		return nil, kerr.NotFoundf("no such process: %d", pid)
	}
	msgs := p.queue
	p.queue = nil
	m.mu.Unlock()

	for _, msg := range msgs {
		if err := m.st.MarkIPCDelivered(msg.ID); err != nil {
			m.log.Warn("ipc audit update failed", "msg", msg.ID, "err", err)
		}
		m.bus.Emit(protocol.EventIPCDelivered, events.M{"id": msg.ID, "pid": pid})
	}
	return msgs, nil
}

// Peek returns the queued messages without removing them.
func (m *Manager) Peek(pid int) ([]IPCMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[pid]
	if !ok {
		return nil, kerr.NotFoundf("no such process: %d", pid)
	}
	return append([]IPCMessage(nil), p.queue...), nil
}
