// Package dispatch routes client command frames to subsystem calls and
// manages the per-connection WebSocket egress buffers.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aetherhq/aether/internal/auth"
	"github.com/aetherhq/aether/internal/cluster"
	"github.com/aetherhq/aether/internal/config"
	"github.com/aetherhq/aether/internal/cron"
	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/memory"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/protocol"
	"github.com/aetherhq/aether/internal/snapshot"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/tty"
	"github.com/aetherhq/aether/internal/vfs"
	"github.com/aetherhq/aether/internal/webhook"
)

// Deps are the subsystems the dispatcher routes into. Hub is nil unless
// this kernel runs with the hub cluster role.
type Deps struct {
	Auth      *auth.Service
	Procs     *proc.Manager
	FS        *vfs.FS
	TTYs      *tty.Manager
	Crons     *cron.Manager
	Triggers  *cron.TriggerEngine
	Memories  *memory.Manager
	Snapshots *snapshot.Manager
	Webhooks  *webhook.Dispatcher
	Hub       *cluster.Hub
	Store     *store.Store
	Bus       *events.Bus
	Config    *config.Config
}

type handlerFunc func(ctx context.Context, c *Conn, raw json.RawMessage) (any, error)

type handler struct {
	fn     handlerFunc
	perm   string // required permission; empty means any authenticated user
	public bool   // callable before login
}

// Dispatcher maps command frames to handlers.
type Dispatcher struct {
	deps     Deps
	log      *slog.Logger
	handlers map[string]handler
	started  time.Time
}

func New(deps Deps, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		deps:     deps,
		log:      log,
		handlers: make(map[string]handler),
		started:  time.Now(),
	}
	d.registerAll()
	return d
}

func (d *Dispatcher) register(cmdType, perm string, fn handlerFunc) {
	d.handlers[cmdType] = handler{fn: fn, perm: perm}
}

func (d *Dispatcher) registerPublic(cmdType string, fn handlerFunc) {
	d.handlers[cmdType] = handler{fn: fn, public: true}
}

// frameHead is the envelope every command carries.
type frameHead struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	OrgID string `json:"orgId,omitempty"`
}

// Dispatch handles one inbound frame and writes the response to the
// connection. Responses are critical and bypass backpressure drops.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, raw []byte) {
	var head frameHead
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		d.respondErr(c, head.ID, kerr.Validationf("malformed command frame"))
		return
	}

	if !c.limiter.Allow() {
		d.respondErr(c, head.ID, kerr.Transientf("rate limited"))
		return
	}

	h, ok := d.handlers[head.Type]
	if !ok {
		d.respondErr(c, head.ID, kerr.NotFoundf("unknown command: %s", head.Type))
		return
	}

	if !h.public {
		u := c.User()
		if u == nil {
			d.respondErr(c, head.ID, kerr.New(kerr.Permission, kerr.CodeUnauthorized, "authentication required"))
			return
		}
		if h.perm != "" {
			ok, err := d.deps.Auth.HasPermission(u.ID, h.perm, head.OrgID)
			if err != nil {
				d.respondErr(c, head.ID, err)
				return
			}
			if !ok {
				d.respondErr(c, head.ID, kerr.Permissionf("missing permission %s", h.perm))
				return
			}
		}
	}

	data, err := h.fn(ctx, c, raw)
	if err != nil {
		d.respondErr(c, head.ID, err)
		return
	}
	d.respondOK(c, head.ID, data)
}

func (d *Dispatcher) respondOK(c *Conn, id string, data any) {
	payload, err := json.Marshal(map[string]any{
		"type": protocol.ResponseOK, "id": id, "data": data,
	})
	if err != nil {
		d.log.Error("marshal response", "id", id, "err", err)
		return
	}
	c.SendEventImmediate(protocol.ResponseOK, payload)
}

func (d *Dispatcher) respondErr(c *Conn, id string, err error) {
	if kerr.KindOf(err) == kerr.Internal {
		d.log.Error("command failed", "id", id, "err", err)
	}
	payload, merr := json.Marshal(map[string]any{
		"type": protocol.ResponseError, "id": id,
		"error": protocol.ErrorBody{Code: kerr.CodeOf(err), Message: err.Error()},
	})
	if merr != nil {
		return
	}
	c.SendEventImmediate(protocol.ResponseError, payload)
}
