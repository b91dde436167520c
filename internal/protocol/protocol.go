// Package protocol defines the wire names and frame shapes shared by the
// kernel, the WS endpoint, and the CLI client.
package protocol

// Event families emitted by the kernel.
const (
	// Process lifecycle
	EventProcessSpawned     = "process.spawned"
	EventProcessStateChange = "process.stateChange"
	EventProcessExit        = "process.exit"
	EventProcessReaped      = "process.reaped"
	EventProcessSignal      = "process.signal"

	// Terminal sessions
	EventTTYOpened = "tty.opened"
	EventTTYOutput = "tty.output"
	EventTTYClosed = "tty.closed"
	EventTTYError  = "tty.error"

	// Virtual filesystem
	EventFSChanged       = "fs.changed"
	EventFSInitialized   = "fs.initialized"
	EventFSSharedCreated = "fs.sharedCreated"

	// IPC
	EventIPCMessage   = "ipc.message"
	EventIPCDelivered = "ipc.delivered"

	// Scheduled work
	EventCronCreated    = "cron.created"
	EventCronDeleted    = "cron.deleted"
	EventCronFired      = "cron.fired"
	EventTriggerCreated = "trigger.created"
	EventTriggerDeleted = "trigger.deleted"
	EventTriggerFired   = "trigger.fired"

	// Memory
	EventMemoryStored       = "memory.stored"
	EventMemoryRecalled     = "memory.recalled"
	EventMemoryForgotten    = "memory.forgotten"
	EventMemoryShared       = "memory.shared"
	EventMemoryConsolidated = "memory.consolidated"

	// Snapshots
	EventSnapshotCreated  = "snapshot.created"
	EventSnapshotRestored = "snapshot.restored"
	EventSnapshotDeleted  = "snapshot.deleted"

	// Outbound webhooks
	EventWebhookRegistered   = "webhook.registered"
	EventWebhookUnregistered = "webhook.unregistered"
	EventWebhookFired        = "webhook.fired"
	EventWebhookFailed       = "webhook.failed"
	EventWebhookDelivery     = "webhook.delivery"
	EventWebhookDLQAdded     = "webhook.dlq.added"

	// Cluster
	EventClusterNodeJoined  = "cluster.nodeJoined"
	EventClusterNodeLeft    = "cluster.nodeLeft"
	EventClusterNodeOffline = "cluster.nodeOffline"

	// Kernel
	EventKernelReady = "kernel.ready"
)

// Response frame types.
const (
	ResponseOK    = "response.ok"
	ResponseError = "response.error"
)

// Critical returns true for events that must survive egress backpressure:
// response frames and boot/readiness frames.
func Critical(eventType string) bool {
	switch eventType {
	case ResponseOK, ResponseError, EventKernelReady, "process.list":
		return true
	}
	return false
}

// ErrorBody is the error payload inside a response.error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Signals understood by process.signal.
const (
	SigTerm = "SIGTERM"
	SigKill = "SIGKILL"
	SigStop = "SIGSTOP"
	SigCont = "SIGCONT"
	SigInt  = "SIGINT"
)

// Exit codes for fatal signals.
const (
	ExitCodeSigTerm = 143
	ExitCodeSigKill = 137
)
