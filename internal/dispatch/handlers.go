package dispatch

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/aetherhq/aether/internal/auth"
	"github.com/aetherhq/aether/internal/events"
	"github.com/aetherhq/aether/internal/kerr"
	"github.com/aetherhq/aether/internal/memory"
	"github.com/aetherhq/aether/internal/proc"
	"github.com/aetherhq/aether/internal/store"
	"github.com/aetherhq/aether/internal/webhook"
)

func (d *Dispatcher) registerAll() {
	d.registerPublic("auth.login", d.handleLogin)
	d.registerPublic("auth.register", d.handleRegister)
	d.register("auth.whoami", "", d.handleWhoami)

	d.register("process.spawn", auth.PermProcessSpawn, d.handleSpawn)
	d.register("process.list", auth.PermProcessView, d.handleProcessList)
	d.register("process.info", auth.PermProcessView, d.handleProcessInfo)
	d.register("process.logs", auth.PermProcessView, d.handleProcessLogs)
	d.register("process.signal", auth.PermProcessSignal, d.handleSignal)
	d.register("process.kill", auth.PermProcessSignal, d.handleKill)
	d.register("ipc.send", auth.PermProcessSignal, d.handleIPCSend)
	d.register("ipc.drain", auth.PermProcessView, d.handleIPCDrain)
	d.register("ipc.peek", auth.PermProcessView, d.handleIPCPeek)

	d.register("fs.read", auth.PermFSRead, d.handleFSRead)
	d.register("fs.write", auth.PermFSWrite, d.handleFSWrite)
	d.register("fs.mkdir", auth.PermFSWrite, d.handleFSMkdir)
	d.register("fs.rm", auth.PermFSWrite, d.handleFSRm)
	d.register("fs.mv", auth.PermFSWrite, d.handleFSMv)
	d.register("fs.cp", auth.PermFSWrite, d.handleFSCp)
	d.register("fs.ls", auth.PermFSRead, d.handleFSLs)
	d.register("fs.stat", auth.PermFSRead, d.handleFSStat)
	d.register("fs.exists", auth.PermFSRead, d.handleFSExists)
	d.register("fs.mount.create", auth.PermFSWrite, d.handleMountCreate)
	d.register("fs.mount.attach", auth.PermFSWrite, d.handleMountAttach)
	d.register("fs.mount.detach", auth.PermFSWrite, d.handleMountDetach)
	d.register("fs.mount.list", auth.PermFSRead, d.handleMountList)

	d.register("tty.open", auth.PermTTYAccess, d.handleTTYOpen)
	d.register("tty.write", auth.PermTTYAccess, d.handleTTYWrite)
	d.register("tty.exec", auth.PermTTYAccess, d.handleTTYExec)
	d.register("tty.resize", auth.PermTTYAccess, d.handleTTYResize)
	d.register("tty.close", auth.PermTTYAccess, d.handleTTYClose)
	d.register("tty.list", auth.PermTTYAccess, d.handleTTYList)

	d.register("cron.create", auth.PermCronManage, d.handleCronCreate)
	d.register("cron.list", auth.PermCronManage, d.handleCronList)
	d.register("cron.delete", auth.PermCronManage, d.handleCronDelete)
	d.register("trigger.create", auth.PermCronManage, d.handleTriggerCreate)
	d.register("trigger.list", auth.PermCronManage, d.handleTriggerList)
	d.register("trigger.delete", auth.PermCronManage, d.handleTriggerDelete)

	d.register("memory.store", auth.PermMemoryManage, d.handleMemoryStore)
	d.register("memory.recall", auth.PermMemoryManage, d.handleMemoryRecall)
	d.register("memory.share", auth.PermMemoryManage, d.handleMemoryShare)
	d.register("memory.forget", auth.PermMemoryManage, d.handleMemoryForget)
	d.register("memory.consolidate", auth.PermMemoryManage, d.handleMemoryConsolidate)

	d.register("snapshot.create", auth.PermSnapshotManage, d.handleSnapshotCreate)
	d.register("snapshot.restore", auth.PermSnapshotManage, d.handleSnapshotRestore)
	d.register("snapshot.list", auth.PermSnapshotManage, d.handleSnapshotList)
	d.register("snapshot.validate", auth.PermSnapshotManage, d.handleSnapshotValidate)
	d.register("snapshot.delete", auth.PermSnapshotManage, d.handleSnapshotDelete)

	d.register("webhook.register", auth.PermWebhookManage, d.handleWebhookRegister)
	d.register("webhook.unregister", auth.PermWebhookManage, d.handleWebhookUnregister)
	d.register("webhook.list", auth.PermWebhookManage, d.handleWebhookList)
	d.register("webhook.deliveries", auth.PermWebhookManage, d.handleWebhookDeliveries)
	d.register("webhook.dlq.list", auth.PermWebhookManage, d.handleWebhookDLQ)

	d.register("plan.save", auth.PermMemoryManage, d.handlePlanSave)
	d.register("plan.get", auth.PermMemoryManage, d.handlePlanGet)
	d.register("reflection.add", auth.PermMemoryManage, d.handleReflectionAdd)
	d.register("reflection.list", auth.PermMemoryManage, d.handleReflectionList)

	d.register("org.create", auth.PermOrgManage, d.handleOrgCreate)
	d.register("org.member.add", auth.PermOrgManage, d.handleOrgMemberAdd)
	d.register("org.member.remove", auth.PermOrgManage, d.handleOrgMemberRemove)
	d.register("team.create", auth.PermOrgManage, d.handleTeamCreate)
	d.register("team.member.add", auth.PermOrgManage, d.handleTeamMemberAdd)
	d.register("team.list", auth.PermOrgManage, d.handleTeamList)

	d.register("plugin.install", auth.PermPluginManage, d.handlePluginInstall)
	d.register("plugin.list", auth.PermPluginManage, d.handlePluginList)
	d.register("plugin.enable", auth.PermPluginManage, d.handlePluginEnable)
	d.register("plugin.remove", auth.PermPluginManage, d.handlePluginRemove)

	d.register("cluster.nodes", auth.PermClusterView, d.handleClusterNodes)
	d.register("subscribe", "", d.handleSubscribe)
	d.register("unsubscribe", "", d.handleUnsubscribe)
	d.register("kernel.info", "", d.handleKernelInfo)
}

// --- auth ---

func (d *Dispatcher) handleLogin(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad login params")
	}
	// A token resumes an existing session; credentials mint a new one.
	if p.Token != "" {
		user, err := d.deps.Auth.Validate(p.Token)
		if err != nil {
			return nil, err
		}
		c.SetUser(user)
		return events.M{"user": userInfo(user)}, nil
	}
	sess, err := d.deps.Auth.Login(p.Username, p.Password)
	if err != nil {
		return nil, err
	}
	c.SetUser(sess.User)
	return sessionInfo(sess), nil
}

func (d *Dispatcher) handleRegister(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad register params")
	}
	sess, err := d.deps.Auth.Register(p.Username, p.Password, p.DisplayName)
	if err != nil {
		return nil, err
	}
	c.SetUser(sess.User)
	return sessionInfo(sess), nil
}

func (d *Dispatcher) handleWhoami(_ context.Context, c *Conn, _ json.RawMessage) (any, error) {
	return userInfo(c.User()), nil
}

func sessionInfo(s *auth.Session) events.M {
	return events.M{
		"token":     s.Token,
		"expiresAt": s.ExpiresAt.UTC().Format(time.RFC3339),
		"user":      userInfo(s.User),
	}
}

func userInfo(u *store.User) events.M {
	return events.M{
		"id":          u.ID,
		"username":    u.Username,
		"displayName": u.DisplayName,
		"role":        u.Role,
	}
}

// --- processes ---

func (d *Dispatcher) handleSpawn(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	// A hub with live workers routes spawns instead of running them.
	if d.deps.Hub != nil && d.deps.Hub.HasCapacity() {
		return d.deps.Hub.RouteSpawn(ctx, raw)
	}
	return d.SpawnLocal(ctx, raw)
}

// SpawnLocal runs a spawn command on this kernel, bypassing cluster
// routing. The node side of spawn forwarding calls it directly.
func (d *Dispatcher) SpawnLocal(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Name      string            `json:"name"`
		Command   string            `json:"command"`
		PPID      int               `json:"ppid"`
		CWD       string            `json:"cwd"`
		Env       map[string]string `json:"env"`
		Config    proc.AgentConfig  `json:"config"`
		Container bool              `json:"container"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad spawn params")
	}
	pr, err := d.deps.Procs.Spawn(ctx, proc.SpawnRequest{
		Name:      p.Name,
		Command:   p.Command,
		PPID:      p.PPID,
		CWD:       p.CWD,
		Env:       p.Env,
		Config:    p.Config,
		Container: p.Container,
	})
	if err != nil {
		return nil, err
	}
	return procInfo(pr), nil
}

func (d *Dispatcher) handleProcessList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	procs := d.deps.Procs.List()
	out := make([]events.M, 0, len(procs))
	for _, p := range procs {
		out = append(out, procInfo(p))
	}
	return events.M{"processes": out}, nil
}

type pidParams struct {
	PID int `json:"pid"`
}

func (d *Dispatcher) handleProcessInfo(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	pr, err := d.deps.Procs.Get(p.PID)
	if err != nil {
		return nil, err
	}
	return procInfo(pr), nil
}

func (d *Dispatcher) handleProcessLogs(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	logs, err := d.deps.Store.ListAgentLogs(p.PID)
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(logs))
	for _, l := range logs {
		out = append(out, events.M{
			"level": l.Level, "message": l.Message,
			"at": l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return events.M{"pid": p.PID, "logs": out}, nil
}

func (d *Dispatcher) handleSignal(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID    int    `json:"pid"`
		Signal string `json:"signal"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Procs.Signal(p.PID, p.Signal); err != nil {
		return nil, err
	}
	return events.M{"pid": p.PID, "signal": p.Signal}, nil
}

func (d *Dispatcher) handleKill(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Procs.Signal(p.PID, "SIGKILL"); err != nil {
		return nil, err
	}
	return events.M{"pid": p.PID}, nil
}

func (d *Dispatcher) handleIPCSend(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		FromPID int    `json:"fromPid"`
		ToPID   int    `json:"toPid"`
		Channel string `json:"channel"`
		Payload any    `json:"payload"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	msg, err := d.deps.Procs.Send(p.FromPID, p.ToPID, p.Channel, p.Payload)
	if err != nil {
		return nil, err
	}
	return events.M{"messageId": msg.ID}, nil
}

func (d *Dispatcher) handleIPCDrain(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	msgs, err := d.deps.Procs.Drain(p.PID)
	if err != nil {
		return nil, err
	}
	return events.M{"pid": p.PID, "messages": msgs}, nil
}

func (d *Dispatcher) handleIPCPeek(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	msgs, err := d.deps.Procs.Peek(p.PID)
	if err != nil {
		return nil, err
	}
	return events.M{"pid": p.PID, "messages": msgs}, nil
}

func procInfo(p *proc.Process) events.M {
	info := events.M{
		"pid":       p.PID,
		"ppid":      p.PPID,
		"uid":       p.UID,
		"name":      p.Name,
		"command":   p.Command,
		"state":     p.State,
		"phase":     p.Phase,
		"cwd":       p.CWD,
		"config":    p.Config,
		"metrics":   p.Metrics,
		"createdAt": p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.ExitCode != nil {
		info["exitCode"] = *p.ExitCode
	}
	if p.ContainerID != "" {
		info["containerId"] = p.ContainerID
	}
	return info
}

// --- filesystem ---

type pathParams struct {
	Path string `json:"path"`
}

func (d *Dispatcher) handleFSRead(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	data, err := d.deps.FS.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return events.M{"path": p.Path, "content": string(data), "size": len(data)}, nil
}

func (d *Dispatcher) handleFSWrite(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		OwnerUID string `json:"ownerUid"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	owner := p.OwnerUID
	if owner == "" {
		owner = c.User().Username
	}
	if err := d.deps.FS.WriteFile(p.Path, []byte(p.Content), owner); err != nil {
		return nil, err
	}
	return events.M{"path": p.Path, "size": len(p.Content)}, nil
}

func (d *Dispatcher) handleFSMkdir(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.FS.Mkdir(p.Path, p.Recursive); err != nil {
		return nil, err
	}
	return events.M{"path": p.Path}, nil
}

func (d *Dispatcher) handleFSRm(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.FS.Rm(p.Path, p.Recursive); err != nil {
		return nil, err
	}
	return events.M{"path": p.Path}, nil
}

type fromToParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (d *Dispatcher) handleFSMv(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p fromToParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.FS.Mv(p.From, p.To); err != nil {
		return nil, err
	}
	return events.M{"from": p.From, "to": p.To}, nil
}

func (d *Dispatcher) handleFSCp(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p fromToParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.FS.Cp(p.From, p.To); err != nil {
		return nil, err
	}
	return events.M{"from": p.From, "to": p.To}, nil
}

func (d *Dispatcher) handleFSLs(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	entries, err := d.deps.FS.Ls(p.Path)
	if err != nil {
		return nil, err
	}
	return events.M{"path": p.Path, "entries": entries}, nil
}

func (d *Dispatcher) handleFSStat(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	return d.deps.FS.Stat(p.Path)
}

func (d *Dispatcher) handleFSExists(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	ok, err := d.deps.FS.Exists(p.Path)
	if err != nil {
		return nil, err
	}
	return events.M{"path": p.Path, "exists": ok}, nil
}

func (d *Dispatcher) handleMountCreate(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
		PID  int    `json:"pid"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	m, err := d.deps.FS.CreateSharedMount(p.Name, p.PID)
	if err != nil {
		return nil, err
	}
	return events.M{"name": m.Name, "ownerPid": m.OwnerPID}, nil
}

func (d *Dispatcher) handleMountAttach(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID        int    `json:"pid"`
		Name       string `json:"name"`
		MountPoint string `json:"mountPoint"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	pr, err := d.deps.Procs.Get(p.PID)
	if err != nil {
		return nil, err
	}
	point, err := d.deps.FS.MountShared(p.PID, pr.UID, p.Name, p.MountPoint)
	if err != nil {
		return nil, err
	}
	return events.M{"name": p.Name, "pid": p.PID, "mountPoint": point}, nil
}

func (d *Dispatcher) handleMountDetach(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID  int    `json:"pid"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	pr, err := d.deps.Procs.Get(p.PID)
	if err != nil {
		return nil, err
	}
	if err := d.deps.FS.UnmountShared(p.PID, pr.UID, p.Name); err != nil {
		return nil, err
	}
	return events.M{"name": p.Name, "pid": p.PID}, nil
}

func (d *Dispatcher) handleMountList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	mounts := d.deps.FS.SharedMounts()
	out := make([]events.M, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, events.M{
			"name": m.Name, "ownerPid": m.OwnerPID, "mounted": m.Mounted,
		})
	}
	return events.M{"mounts": out}, nil
}

// --- terminal ---

func (d *Dispatcher) handleTTYOpen(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID  int `json:"pid"`
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	pr, err := d.deps.Procs.Get(p.PID)
	if err != nil {
		return nil, err
	}
	sess, err := d.deps.TTYs.Open(ctx, pr, p.Cols, p.Rows)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (d *Dispatcher) handleTTYWrite(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TTYID string `json:"ttyId"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.TTYs.Write(p.TTYID, p.Data); err != nil {
		return nil, err
	}
	return events.M{"ttyId": p.TTYID}, nil
}

func (d *Dispatcher) handleTTYExec(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TTYID   string `json:"ttyId"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	out, err := d.deps.TTYs.Exec(p.TTYID, p.Command)
	if err != nil {
		return nil, err
	}
	return events.M{"ttyId": p.TTYID, "output": out}, nil
}

func (d *Dispatcher) handleTTYResize(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TTYID string `json:"ttyId"`
		Cols  int    `json:"cols"`
		Rows  int    `json:"rows"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.TTYs.Resize(p.TTYID, p.Cols, p.Rows); err != nil {
		return nil, err
	}
	return events.M{"ttyId": p.TTYID, "cols": p.Cols, "rows": p.Rows}, nil
}

func (d *Dispatcher) handleTTYClose(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TTYID string `json:"ttyId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.TTYs.Close(p.TTYID); err != nil {
		return nil, err
	}
	return events.M{"ttyId": p.TTYID}, nil
}

func (d *Dispatcher) handleTTYList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	return events.M{"sessions": d.deps.TTYs.List()}, nil
}

// --- cron and triggers ---

func (d *Dispatcher) handleCronCreate(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name       string          `json:"name"`
		Expression string          `json:"expression"`
		Config     json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	cfg := string(p.Config)
	if cfg == "" {
		cfg = "{}"
	}
	job, err := d.deps.Crons.CreateJob(p.Name, p.Expression, cfg, c.User().Username)
	if err != nil {
		return nil, err
	}
	return cronInfo(job), nil
}

func (d *Dispatcher) handleCronList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	jobs, err := d.deps.Crons.ListJobs()
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, cronInfo(j))
	}
	return events.M{"jobs": out}, nil
}

func (d *Dispatcher) handleCronDelete(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Crons.DeleteJob(p.JobID); err != nil {
		return nil, err
	}
	return events.M{"jobId": p.JobID}, nil
}

func cronInfo(j *store.CronJob) events.M {
	info := events.M{
		"id":         j.ID,
		"name":       j.Name,
		"expression": j.Expression,
		"enabled":    j.Enabled,
		"nextRun":    j.NextRun.UTC().Format(time.RFC3339),
		"runCount":   j.RunCount,
	}
	if j.LastRun != nil {
		info["lastRun"] = j.LastRun.UTC().Format(time.RFC3339)
	}
	return info
}

func (d *Dispatcher) handleTriggerCreate(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name       string          `json:"name"`
		EventType  string          `json:"eventType"`
		Filter     json.RawMessage `json:"filter"`
		Config     json.RawMessage `json:"config"`
		CooldownMS int64           `json:"cooldownMs"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	cfg := string(p.Config)
	if cfg == "" {
		cfg = "{}"
	}
	trig, err := d.deps.Triggers.CreateTrigger(
		p.Name, p.EventType, string(p.Filter), cfg, p.CooldownMS, c.User().Username)
	if err != nil {
		return nil, err
	}
	return events.M{"id": trig.ID, "eventType": trig.EventType}, nil
}

func (d *Dispatcher) handleTriggerList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	trigs, err := d.deps.Triggers.ListTriggers()
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(trigs))
	for _, t := range trigs {
		info := events.M{
			"id":         t.ID,
			"name":       t.Name,
			"eventType":  t.EventType,
			"cooldownMs": t.CooldownMS,
			"fireCount":  t.FireCount,
		}
		if t.LastFired != nil {
			info["lastFired"] = t.LastFired.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return events.M{"triggers": out}, nil
}

func (d *Dispatcher) handleTriggerDelete(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TriggerID string `json:"triggerId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Triggers.DeleteTrigger(p.TriggerID); err != nil {
		return nil, err
	}
	return events.M{"triggerId": p.TriggerID}, nil
}

// --- memory ---

func (d *Dispatcher) handleMemoryStore(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID    string     `json:"agentId"`
		Layer      string     `json:"layer"`
		Content    string     `json:"content"`
		Tags       []string   `json:"tags"`
		Importance float64    `json:"importance"`
		ExpiresAt  *time.Time `json:"expiresAt"`
		SourcePID  *int       `json:"sourcePid"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	rec, err := d.deps.Memories.Store(memory.StoreRequest{
		AgentID:    p.AgentID,
		Layer:      p.Layer,
		Content:    p.Content,
		Tags:       p.Tags,
		Importance: p.Importance,
		ExpiresAt:  p.ExpiresAt,
		SourcePID:  p.SourcePID,
	})
	if err != nil {
		return nil, err
	}
	return memoryInfo(rec), nil
}

func (d *Dispatcher) handleMemoryRecall(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID       string   `json:"agentId"`
		Query         string   `json:"query"`
		Layer         string   `json:"layer"`
		Tags          []string `json:"tags"`
		MinImportance float64  `json:"minImportance"`
		Limit         int      `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	recs, err := d.deps.Memories.Recall(memory.RecallRequest{
		AgentID:       p.AgentID,
		Query:         p.Query,
		Layer:         p.Layer,
		Tags:          p.Tags,
		MinImportance: p.MinImportance,
		Limit:         p.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(recs))
	for _, rec := range recs {
		out = append(out, memoryInfo(rec))
	}
	return events.M{"memories": out}, nil
}

func (d *Dispatcher) handleMemoryShare(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		MemoryID string `json:"memoryId"`
		From     string `json:"from"`
		To       string `json:"to"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	cp, err := d.deps.Memories.Share(p.MemoryID, p.From, p.To)
	if err != nil {
		return nil, err
	}
	return memoryInfo(cp), nil
}

func (d *Dispatcher) handleMemoryForget(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		MemoryID string `json:"memoryId"`
		AgentID  string `json:"agentId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Memories.Forget(p.MemoryID, p.AgentID); err != nil {
		return nil, err
	}
	return events.M{"memoryId": p.MemoryID}, nil
}

func (d *Dispatcher) handleMemoryConsolidate(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	removed, err := d.deps.Memories.Consolidate(p.AgentID)
	if err != nil {
		return nil, err
	}
	return events.M{"agentId": p.AgentID, "removed": removed}, nil
}

func memoryInfo(rec *store.MemoryRecord) events.M {
	info := events.M{
		"id":           rec.ID,
		"agentId":      rec.AgentID,
		"layer":        rec.Layer,
		"content":      rec.Content,
		"tags":         rec.Tags,
		"importance":   rec.Importance,
		"accessCount":  rec.AccessCount,
		"createdAt":    rec.CreatedAt.UTC().Format(time.RFC3339),
		"lastAccessed": rec.LastAccessed.UTC().Format(time.RFC3339),
	}
	if rec.ExpiresAt != nil {
		info["expiresAt"] = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if len(rec.Related) > 0 {
		info["related"] = rec.Related
	}
	return info
}

// --- snapshots ---

func (d *Dispatcher) handleSnapshotCreate(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID         int    `json:"pid"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	row, err := d.deps.Snapshots.Create(p.PID, p.Description)
	if err != nil {
		return nil, err
	}
	return snapshotInfo(row), nil
}

type snapshotIDParams struct {
	SnapshotID string `json:"snapshotId"`
}

func (d *Dispatcher) handleSnapshotRestore(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p snapshotIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	pr, err := d.deps.Snapshots.Restore(ctx, p.SnapshotID)
	if err != nil {
		return nil, err
	}
	return procInfo(pr), nil
}

func (d *Dispatcher) handleSnapshotList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	rows, err := d.deps.Snapshots.List()
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotInfo(row))
	}
	return events.M{"snapshots": out}, nil
}

func (d *Dispatcher) handleSnapshotValidate(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p snapshotIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	issues, err := d.deps.Snapshots.Validate(p.SnapshotID)
	if err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []string{}
	}
	return events.M{"snapshotId": p.SnapshotID, "valid": len(issues) == 0, "issues": issues}, nil
}

func (d *Dispatcher) handleSnapshotDelete(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p snapshotIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Snapshots.Delete(p.SnapshotID); err != nil {
		return nil, err
	}
	return events.M{"snapshotId": p.SnapshotID}, nil
}

func snapshotInfo(row *store.SnapshotRow) events.M {
	return events.M{
		"id":          row.ID,
		"pid":         row.PID,
		"uid":         row.UID,
		"description": row.Description,
		"createdAt":   row.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// --- webhooks ---

func (d *Dispatcher) handleWebhookRegister(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name       string            `json:"name"`
		URL        string            `json:"url"`
		Events     []string          `json:"events"`
		Secret     string            `json:"secret"`
		MaxRetries int               `json:"maxRetries"`
		Headers    map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	row, err := d.deps.Webhooks.Register(webhook.RegisterRequest{
		Name:       p.Name,
		URL:        p.URL,
		Events:     p.Events,
		Secret:     p.Secret,
		MaxRetries: p.MaxRetries,
		Headers:    p.Headers,
		Owner:      c.User().Username,
	})
	if err != nil {
		return nil, err
	}
	return events.M{"id": row.ID, "url": row.URL}, nil
}

func (d *Dispatcher) handleWebhookUnregister(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		WebhookID string `json:"webhookId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Webhooks.Unregister(p.WebhookID); err != nil {
		return nil, err
	}
	return events.M{"webhookId": p.WebhookID}, nil
}

func (d *Dispatcher) handleWebhookList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	rows, err := d.deps.Webhooks.List()
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(rows))
	for _, w := range rows {
		out = append(out, events.M{
			"id":           w.ID,
			"name":         w.Name,
			"url":          w.URL,
			"events":       json.RawMessage(w.Events),
			"enabled":      w.Enabled,
			"failureCount": w.FailureCount,
		})
	}
	return events.M{"webhooks": out}, nil
}

func (d *Dispatcher) handleWebhookDeliveries(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		WebhookID string `json:"webhookId"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	dels, err := d.deps.Webhooks.Deliveries(p.WebhookID, p.Limit)
	if err != nil {
		return nil, err
	}
	return events.M{"deliveries": dels}, nil
}

func (d *Dispatcher) handleWebhookDLQ(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	entries, err := d.deps.Webhooks.DLQ(p.Limit)
	if err != nil {
		return nil, err
	}
	return events.M{"entries": entries}, nil
}

// --- plans ---

func (d *Dispatcher) handlePlanSave(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		PID     int             `json:"pid"`
		AgentID string          `json:"agentId"`
		State   json.RawMessage `json:"state"`
		Active  bool            `json:"active"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.AgentID == "" {
		return nil, kerr.Validationf("agentId required")
	}
	plan := &store.Plan{
		ID:      "plan-" + p.AgentID,
		PID:     p.PID,
		AgentID: p.AgentID,
		State:   string(p.State),
		Active:  p.Active,
	}
	if err := d.deps.Store.UpsertPlan(plan); err != nil {
		return nil, err
	}
	return events.M{"id": plan.ID}, nil
}

func (d *Dispatcher) handlePlanGet(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	plan, err := d.deps.Store.ActivePlan(p.AgentID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, kerr.NotFoundf("no active plan for %s", p.AgentID)
	}
	return events.M{
		"id":      plan.ID,
		"pid":     plan.PID,
		"agentId": plan.AgentID,
		"state":   json.RawMessage(plan.State),
		"active":  plan.Active,
	}, nil
}

func (d *Dispatcher) handleReflectionAdd(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agentId"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.AgentID == "" || p.Content == "" {
		return nil, kerr.Validationf("agentId and content required")
	}
	r := &store.Reflection{
		ID:      "refl-" + uuid.NewString()[:8],
		AgentID: p.AgentID,
		Content: p.Content,
	}
	if err := d.deps.Store.AddReflection(r); err != nil {
		return nil, err
	}
	return events.M{"id": r.ID}, nil
}

func (d *Dispatcher) handleReflectionList(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	refs, err := d.deps.Store.ListReflections(p.AgentID, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(refs))
	for _, r := range refs {
		out = append(out, events.M{
			"id":      r.ID,
			"agentId": r.AgentID,
			"content": r.Content,
			"at":      r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return events.M{"reflections": out}, nil
}

// --- orgs and teams ---

func (d *Dispatcher) handleOrgCreate(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name        string          `json:"name"`
		DisplayName string          `json:"displayName"`
		Settings    json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.Name == "" {
		return nil, kerr.Validationf("name required")
	}
	settings := string(p.Settings)
	if settings == "" {
		settings = "{}"
	}
	owner := c.User()
	org := &store.Org{
		ID:          "org-" + uuid.NewString()[:8],
		Name:        p.Name,
		DisplayName: p.DisplayName,
		OwnerID:     owner.ID,
		Settings:    settings,
	}
	if err := d.deps.Store.CreateOrg(org); err != nil {
		return nil, err
	}
	// The creator is the first member.
	if err := d.deps.Store.AddOrgMember(org.ID, owner.ID, auth.OrgRoleOwner); err != nil {
		return nil, err
	}
	return events.M{"id": org.ID, "name": org.Name}, nil
}

func (d *Dispatcher) handleOrgMemberAdd(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		OrgID  string `json:"orgId"`
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	switch p.Role {
	case auth.OrgRoleOwner, auth.OrgRoleAdmin, auth.OrgRoleMember, auth.OrgRoleViewer:
	default:
		return nil, kerr.Validationf("unknown org role %q", p.Role)
	}
	if u, err := d.deps.Store.GetUser(p.UserID); err != nil {
		return nil, err
	} else if u == nil {
		return nil, kerr.NotFoundf("user %s not found", p.UserID)
	}
	if err := d.deps.Store.AddOrgMember(p.OrgID, p.UserID, p.Role); err != nil {
		return nil, err
	}
	return events.M{"orgId": p.OrgID, "userId": p.UserID, "role": p.Role}, nil
}

func (d *Dispatcher) handleOrgMemberRemove(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		OrgID  string `json:"orgId"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Store.RemoveOrgMember(p.OrgID, p.UserID); err != nil {
		return nil, err
	}
	return events.M{"orgId": p.OrgID, "userId": p.UserID}, nil
}

func (d *Dispatcher) handleTeamCreate(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		OrgID string `json:"orgId"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.OrgID == "" || p.Name == "" {
		return nil, kerr.Validationf("orgId and name required")
	}
	team := &store.Team{
		ID:    "team-" + uuid.NewString()[:8],
		OrgID: p.OrgID,
		Name:  p.Name,
	}
	if err := d.deps.Store.CreateTeam(team); err != nil {
		return nil, err
	}
	return events.M{"id": team.ID, "name": team.Name}, nil
}

func (d *Dispatcher) handleTeamMemberAdd(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TeamID string `json:"teamId"`
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.Role == "" {
		p.Role = "member"
	}
	if p.Role != "member" && p.Role != "lead" {
		return nil, kerr.Validationf("unknown team role %q", p.Role)
	}
	if err := d.deps.Store.AddTeamMember(p.TeamID, p.UserID, p.Role); err != nil {
		return nil, err
	}
	return events.M{"teamId": p.TeamID, "userId": p.UserID, "role": p.Role}, nil
}

func (d *Dispatcher) handleTeamList(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		OrgID string `json:"orgId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	teams, err := d.deps.Store.ListTeams(p.OrgID)
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(teams))
	for _, t := range teams {
		out = append(out, events.M{"id": t.ID, "orgId": t.OrgID, "name": t.Name})
	}
	return events.M{"teams": out}, nil
}

// --- plugins (metadata registry only, the kernel never loads code) ---

func (d *Dispatcher) handlePluginInstall(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name     string          `json:"name"`
		Version  string          `json:"version"`
		Manifest json.RawMessage `json:"manifest"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if p.Name == "" {
		return nil, kerr.Validationf("name required")
	}
	manifest := string(p.Manifest)
	if manifest == "" {
		manifest = "{}"
	}
	plug := &store.Plugin{
		ID:       "plug-" + uuid.NewString()[:8],
		Name:     p.Name,
		Version:  p.Version,
		Manifest: manifest,
		Enabled:  true,
	}
	if err := d.deps.Store.UpsertPlugin(plug); err != nil {
		return nil, err
	}
	return events.M{"id": plug.ID, "name": plug.Name}, nil
}

func (d *Dispatcher) handlePluginList(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	plugs, err := d.deps.Store.ListPlugins()
	if err != nil {
		return nil, err
	}
	out := make([]events.M, 0, len(plugs))
	for _, p := range plugs {
		out = append(out, events.M{
			"id":          p.ID,
			"name":        p.Name,
			"version":     p.Version,
			"manifest":    json.RawMessage(p.Manifest),
			"enabled":     p.Enabled,
			"installedAt": p.InstalledAt.UTC().Format(time.RFC3339),
		})
	}
	return events.M{"plugins": out}, nil
}

func (d *Dispatcher) handlePluginEnable(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Store.SetPluginEnabled(p.Name, p.Enabled); err != nil {
		return nil, kerr.NotFoundf("%v", err)
	}
	return events.M{"name": p.Name, "enabled": p.Enabled}, nil
}

func (d *Dispatcher) handlePluginRemove(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if err := d.deps.Store.DeletePlugin(p.Name); err != nil {
		return nil, kerr.NotFoundf("%v", err)
	}
	return events.M{"name": p.Name}, nil
}

// --- cluster, subscriptions, kernel ---

func (d *Dispatcher) handleClusterNodes(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	if d.deps.Hub == nil {
		return events.M{"role": d.deps.Config.ClusterRole, "nodes": []any{}}, nil
	}
	return events.M{"role": d.deps.Config.ClusterRole, "nodes": d.deps.Hub.Nodes()}, nil
}

func (d *Dispatcher) handleSubscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	if len(p.Events) == 0 {
		return nil, kerr.Validationf("at least one event pattern required")
	}
	c.Subscribe(p.Events...)
	return events.M{"subscribed": p.Events}, nil
}

func (d *Dispatcher) handleUnsubscribe(_ context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, kerr.Validationf("bad params")
	}
	c.Unsubscribe(p.Events...)
	return events.M{"unsubscribed": p.Events}, nil
}

func (d *Dispatcher) handleKernelInfo(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	return events.M{
		"role":       d.deps.Config.ClusterRole,
		"uptimeSec":  int(time.Since(d.started).Seconds()),
		"processes":  d.deps.Procs.LiveCount(),
		"goroutines": runtime.NumGoroutine(),
	}, nil
}
