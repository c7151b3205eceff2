// Package task implements the agent-owned Task Context and Task Manager:
// revision-guarded acceptance of server-published tasks, in-place state and
// output updates, and cursor-based report generation/confirmation.
package task

import (
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/protocol"
)

// State is the agent-reported task state, distinct from the server's
// DesiredState. It only advances along the DAG described in Context.
type State string

const (
	StateReceived  State = "received"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// IsTerminal reports whether s is one of the states a Context never leaves.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Context is the agent-owned per-task record.
//
//	received ──► running ──► succeeded (terminal)
//	   │            │
//	   │            ├────► failed    (terminal)
//	   │            │
//	   └───────────►└────► canceled  (terminal)
//
// received → canceled and received → failed are permitted: a task can be
// killed or rejected before it ever ran.
type Context struct {
	TaskID       string
	Revision     int64
	Type         protocol.TaskType
	State        State
	Progress     *int
	OutputBuffer []byte
	SentCursor   uint64
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// newContext starts a fresh context in the received state.
func newContext(taskID string, revision int64, taskType protocol.TaskType) *Context {
	now := time.Now()
	return &Context{
		TaskID:    taskID,
		Revision:  revision,
		Type:      taskType,
		State:     StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Manager maintains every task's Context, its delivered-cursor bookkeeping,
// and the set of tasks awaiting a report. All state is guarded by one
// reader-writer lock: exclusive-write, shared-read, per spec's concurrency model.
type Manager struct {
	mu             sync.RWMutex
	tasks          map[string]*Context
	pendingReports map[string]bool
	pendingOrder   []string
}

// NewManager returns an empty Task Manager.
func NewManager() *Manager {
	return &Manager{
		tasks:          make(map[string]*Context),
		pendingReports: make(map[string]bool),
	}
}

// ReceiveTask accepts a server-published task. If a context already exists
// for task_id and the incoming revision is not strictly greater, the task is
// dropped silently (I4: revision only replaced by a strictly greater value).
// Otherwise the context is replaced with a fresh received-state context and
// queued for reporting.
func (m *Manager) ReceiveTask(taskID string, revision int64, taskType protocol.TaskType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[taskID]; ok && revision <= existing.Revision {
		return
	}

	m.tasks[taskID] = newContext(taskID, revision, taskType)
	m.enqueueLocked(taskID)
}

// CancelTask marks a task canceled if revision supersedes the task's current
// revision. Unknown task IDs are ignored (the caller is expected to log).
func (m *Manager) CancelTask(taskID string, revision int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.tasks[taskID]
	if !ok || revision <= ctx.Revision {
		return
	}

	ctx.Revision = revision
	ctx.State = StateCanceled
	ctx.OutputBuffer = append(ctx.OutputBuffer, []byte("Task canceled by server")...)
	ctx.UpdatedAt = time.Now()
	m.enqueueLocked(taskID)
}

// AppendOutput appends chunk to a task's output buffer and queues it for reporting.
func (m *Manager) AppendOutput(taskID string, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.tasks[taskID]
	if !ok {
		return
	}
	ctx.OutputBuffer = append(ctx.OutputBuffer, chunk...)
	ctx.UpdatedAt = time.Now()
	m.enqueueLocked(taskID)
}

// UpdateState transitions a task to state s (no validation against the DAG
// beyond the terminal-state lock: once terminal, a Context never changes —
// callers racing a cancel against a completion must tolerate the first
// terminal write winning).
func (m *Manager) UpdateState(taskID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.tasks[taskID]
	if !ok || ctx.State.IsTerminal() {
		return
	}
	ctx.State = s
	ctx.UpdatedAt = time.Now()
	m.enqueueLocked(taskID)
}

// UpdateProgress sets a task's progress percentage.
func (m *Manager) UpdateProgress(taskID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.tasks[taskID]
	if !ok || ctx.State.IsTerminal() {
		return
	}
	p := progress
	ctx.Progress = &p
	ctx.UpdatedAt = time.Now()
	m.enqueueLocked(taskID)
}

// SetError marks a task failed with the given message.
func (m *Manager) SetError(taskID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.tasks[taskID]
	if !ok || ctx.State.IsTerminal() {
		return
	}
	ctx.State = StateFailed
	ctx.Error = message
	ctx.UpdatedAt = time.Now()
	m.enqueueLocked(taskID)
}

// enqueueLocked marks taskID as owing a report. Caller must hold m.mu.
func (m *Manager) enqueueLocked(taskID string) {
	if m.pendingReports[taskID] {
		return
	}
	m.pendingReports[taskID] = true
	m.pendingOrder = append(m.pendingOrder, taskID)
}

// GenerateReports builds a TaskReport for every task awaiting one: the
// output chunk is the portion of OutputBuffer past SentCursor;
// OutputCursor is present iff the chunk is non-empty.
func (m *Manager) GenerateReports() []protocol.TaskReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reports := make([]protocol.TaskReport, 0, len(m.pendingOrder))
	for _, taskID := range m.pendingOrder {
		ctx, ok := m.tasks[taskID]
		if !ok {
			continue
		}
		report := protocol.TaskReport{
			TaskID:   taskID,
			State:    protocol.ReportedState(ctx.State),
			Progress: ctx.Progress,
			Error:    ctx.Error,
		}
		if ctx.SentCursor < uint64(len(ctx.OutputBuffer)) {
			chunk := ctx.OutputBuffer[ctx.SentCursor:]
			report.OutputChunk = string(chunk)
			cursor := uint64(len(ctx.OutputBuffer))
			report.OutputCursor = &cursor
		}
		reports = append(reports, report)
	}
	return reports
}

// ConfirmReportsSent advances each report's SentCursor and, for terminal
// states, removes the task from the pending-reports queue while keeping its
// Context for later cleanup.
func (m *Manager) ConfirmReportsSent(reports []protocol.TaskReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reports {
		ctx, ok := m.tasks[r.TaskID]
		if !ok {
			continue
		}
		if r.OutputCursor != nil && *r.OutputCursor > ctx.SentCursor {
			ctx.SentCursor = *r.OutputCursor
		}
		if State(r.State).IsTerminal() {
			delete(m.pendingReports, r.TaskID)
			m.removeFromOrderLocked(r.TaskID)
		}
	}
}

func (m *Manager) removeFromOrderLocked(taskID string) {
	for i, id := range m.pendingOrder {
		if id == taskID {
			m.pendingOrder = append(m.pendingOrder[:i], m.pendingOrder[i+1:]...)
			return
		}
	}
}

// GetTask returns a copy of the named task's context, if present.
func (m *Manager) GetTask(taskID string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, ok := m.tasks[taskID]
	if !ok {
		return Context{}, false
	}
	return *ctx, true
}

// GetAllTaskIDs returns every known task ID, in no particular order.
func (m *Manager) GetAllTaskIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// CleanupCompletedTasks drops contexts that are terminal and older than maxAge.
func (m *Manager) CleanupCompletedTasks(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, ctx := range m.tasks {
		if ctx.State.IsTerminal() && ctx.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
}

// Stats summarizes the Task Manager's current load, consumed by pkg/agentmetrics.
type Stats struct {
	TotalTasks   int
	PendingTasks int
}

// Stats returns a snapshot of current task counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		TotalTasks:   len(m.tasks),
		PendingTasks: len(m.pendingOrder),
	}
}
