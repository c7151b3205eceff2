// Package protocol holds the JSON wire structs exchanged with the control
// plane: enrollment, heartbeat, task reporting, audit upload, command
// acknowledgement, and upgrade public key discovery. Field names and
// optionality match the external interface exactly; nothing here is
// agent-internal state.
package protocol

import "encoding/json"

// ProtocolVersion is the value sent in every HeartbeatRequest.
const ProtocolVersion = "1.0"

// EnrollmentRequest is POSTed to the enrollment endpoint.
type EnrollmentRequest struct {
	Token     string `json:"token"`
	PublicKey string `json:"public_key"` // base64(32 bytes)
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

// EnrollmentResponse is the enrollment endpoint's reply.
type EnrollmentResponse struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"` // "success" | "error"
	Message  string `json:"message,omitempty"`
}

// SystemInfo describes the host the agent runs on, sent on every heartbeat.
type SystemInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Uptime   uint64 `json:"uptime"`
}

// HeartbeatRequest is POSTed to the heartbeat endpoint. Signature is computed
// over the canonical serialization of this struct with Signature itself
// cleared (see pkg/identity).
type HeartbeatRequest struct {
	DeviceID        string       `json:"device_id"`
	Timestamp       uint64       `json:"timestamp"`
	Nonce           string       `json:"nonce"`
	ProtocolVersion string       `json:"protocol_version"`
	Signature       string       `json:"signature"` // base64(64)
	SystemInfo      SystemInfo   `json:"system_info"`
	Reports         []TaskReport `json:"reports,omitempty"`
}

// HeartbeatResponse is the heartbeat endpoint's reply.
type HeartbeatResponse struct {
	Status        string       `json:"status"` // "ok" | "error"
	ServerTime    uint64       `json:"server_time"`
	NextHeartbeat uint64       `json:"next_heartbeat"` // 0 = unchanged
	Tasks         []TaskItem   `json:"tasks,omitempty"`
	Cancels       []CancelItem `json:"cancels,omitempty"`
}

// TaskType enumerates the task payload kinds the agent understands.
type TaskType string

const (
	TaskConfigUpdate  TaskType = "config_update"
	TaskCmdExec       TaskType = "cmd_exec"
	TaskSessionOpen   TaskType = "session_open"
	TaskSessionInput  TaskType = "session_input"
	TaskSessionResize TaskType = "session_resize"
	TaskSessionClose  TaskType = "session_close"
	TaskUpgrade       TaskType = "upgrade"
	TaskFileList      TaskType = "file_list"
	TaskFileGet       TaskType = "file_get"
	TaskFilePut       TaskType = "file_put"
)

// DesiredState is the server's requested state for a task.
type DesiredState string

const (
	DesiredPending   DesiredState = "pending"
	DesiredRunning   DesiredState = "running"
	DesiredSucceeded DesiredState = "succeeded"
	DesiredFailed    DesiredState = "failed"
	DesiredCanceled  DesiredState = "canceled"
)

// TaskItem is a server-published desired-state record.
type TaskItem struct {
	TaskID       string          `json:"task_id"`
	Revision     int64           `json:"revision"`
	Type         TaskType        `json:"type"`
	DesiredState DesiredState    `json:"desired_state"`
	Payload      json.RawMessage `json:"payload"`
}

// CancelItem instructs the agent to cancel a running task.
type CancelItem struct {
	TaskID       string       `json:"task_id"`
	Revision     int64        `json:"revision"`
	DesiredState DesiredState `json:"desired_state"` // always "canceled"
}

// ReportedState is the agent-observed state of a task, distinct from the
// server's DesiredState.
type ReportedState string

const (
	StateReceived  ReportedState = "received"
	StateRunning   ReportedState = "running"
	StateSucceeded ReportedState = "succeeded"
	StateFailed    ReportedState = "failed"
	StateCanceled  ReportedState = "canceled"
)

// TaskReport carries one task's reported progress back to the server.
// OutputCursor is present iff OutputChunk is.
type TaskReport struct {
	TaskID       string        `json:"task_id"`
	State        ReportedState `json:"state"`
	Progress     *int          `json:"progress,omitempty"`
	OutputChunk  string        `json:"output_chunk,omitempty"`
	OutputCursor *uint64       `json:"output_cursor,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// AuditUploadRequest carries a signed batch of audit events.
type AuditUploadRequest struct {
	DeviceID  string       `json:"device_id"`
	Timestamp uint64       `json:"timestamp"`
	Nonce     string       `json:"nonce"`
	Signature string       `json:"signature"`
	Events    []AuditEvent `json:"events"`
}

// AuditUploadResponse is the audit endpoint's reply.
type AuditUploadResponse struct {
	Status        string   `json:"status"`
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors"`
}

// AuditEventType enumerates the kinds of events the audit pipeline records.
type AuditEventType string

const (
	EventCommandExecute      AuditEventType = "CommandExecute"
	EventFileList            AuditEventType = "FileList"
	EventFileDownload        AuditEventType = "FileDownload"
	EventFileUpload          AuditEventType = "FileUpload"
	EventFileDelete          AuditEventType = "FileDelete"
	EventSessionConnect      AuditEventType = "SessionConnect"
	EventSessionDisconnect   AuditEventType = "SessionDisconnect"
	EventDeviceRegister      AuditEventType = "DeviceRegister"
	EventSecurityViolation   AuditEventType = "SecurityViolation"
	EventAuthenticationFailure AuditEventType = "AuthenticationFailure"
)

// AuditResult is the outcome recorded alongside an AuditEvent.
type AuditResult string

const (
	ResultSuccess AuditResult = "Success"
	ResultError   AuditResult = "Error"
	ResultTimeout AuditResult = "Timeout"
)

// AuditEvent is one entry in an audit batch. Command and Args are redacted
// at capture time for sensitive commands (see pkg/audit).
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	Result    AuditResult    `json:"result"`
	Timestamp uint64         `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Command   string         `json:"command,omitempty"`
	Args      []string       `json:"args,omitempty"`
	Path      string         `json:"path,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// CommandAck acknowledges a completed command-style task to the server.
type CommandAck struct {
	Status    string `json:"status"` // "completed"
	Timestamp uint64 `json:"timestamp"`
}

// PublicKeyResponse is returned by the upgrade public key discovery endpoint.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"` // base64(32)
}
