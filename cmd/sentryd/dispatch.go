package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/audit"
	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/executor"
	"github.com/cuemby/sentryd/pkg/fileops"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/task"
	"github.com/cuemby/sentryd/pkg/terminal"
)

const dispatchPollInterval = 500 * time.Millisecond

// dispatcher polls the Task Manager for newly received tasks and routes
// each to the component that owns its task type: cmd_exec to the Command
// Executor, session_* to the Terminal Manager, file_* to the File
// Operations Manager, config_update applied directly to the config
// Manager. upgrade tasks are run by pkg/heartbeat itself; the dispatcher
// picks them up like any other task and ignores them.
type dispatcher struct {
	taskMgr     *task.Manager
	cmdExecutor *executor.Executor
	terminalMgr *terminal.Manager
	fileOpsMgr  *fileops.Manager
	configMgr   *config.Manager
	auditor     *audit.Pipeline

	mu         sync.Mutex
	dispatched map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newDispatcher(taskMgr *task.Manager, cmdExecutor *executor.Executor, terminalMgr *terminal.Manager, fileOpsMgr *fileops.Manager, configMgr *config.Manager, auditor *audit.Pipeline) *dispatcher {
	return &dispatcher{
		taskMgr:     taskMgr,
		cmdExecutor: cmdExecutor,
		terminalMgr: terminalMgr,
		fileOpsMgr:  fileOpsMgr,
		configMgr:   configMgr,
		auditor:     auditor,
		dispatched:  make(map[string]bool),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (d *dispatcher) Start() {
	go d.run()
}

func (d *dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.poll()
		case <-d.stopCh:
			return
		}
	}
}

func (d *dispatcher) poll() {
	for _, id := range d.taskMgr.GetAllTaskIDs() {
		ctx, ok := d.taskMgr.GetTask(id)
		if !ok || ctx.State != task.StateReceived {
			continue
		}

		d.mu.Lock()
		if d.dispatched[id] {
			d.mu.Unlock()
			continue
		}
		d.dispatched[id] = true
		d.mu.Unlock()

		go d.dispatch(protocol.TaskItem{TaskID: ctx.TaskID, Revision: ctx.Revision, Type: ctx.Type})
	}
}

func (d *dispatcher) dispatch(item protocol.TaskItem) {
	switch item.Type {
	case protocol.TaskCmdExec:
		d.handleCmdExec(item)
	case protocol.TaskConfigUpdate:
		d.handleConfigUpdate(item)
	case protocol.TaskSessionOpen:
		d.handleSessionOpen(item)
	case protocol.TaskSessionInput:
		d.handleSessionInput(item)
	case protocol.TaskSessionResize:
		d.handleSessionResize(item)
	case protocol.TaskSessionClose:
		d.handleSessionClose(item)
	case protocol.TaskFileList, protocol.TaskFileGet, protocol.TaskFilePut:
		d.fileOpsMgr.HandleTask(d.taskMgr, item)
	case protocol.TaskUpgrade:
		// handled by pkg/heartbeat directly against the heartbeat response.
	default:
	}
}

type cmdExecPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (d *dispatcher) handleCmdExec(item protocol.TaskItem) {
	var p cmdExecPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	d.auditEvent(protocol.EventCommandExecute, item.TaskID, "", fmt.Sprintf("%s %v", p.Command, p.Args))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go d.watchForCancel(item.TaskID, done)

	if err := d.cmdExecutor.Execute(ctx, item.TaskID, p.Command, p.Args); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
	}
}

// watchForCancel polls the Task Manager while a cmd_exec task's command is
// running and kills the child the moment the server cancels the task. It
// returns once done is closed by the caller after Execute returns.
func (d *dispatcher) watchForCancel(taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, ok := d.taskMgr.GetTask(taskID)
			if ok && ctx.State == task.StateCanceled {
				d.cmdExecutor.Cancel(taskID)
				return
			}
		case <-done:
			return
		}
	}
}

func (d *dispatcher) handleConfigUpdate(item protocol.TaskItem) {
	if err := d.configMgr.UpdateFromJSON(item.Payload); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}
	d.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
}

type sessionOpenPayload struct {
	SessionID string   `json:"session_id"`
	ShellPath string   `json:"shell_path"`
	Cwd       string   `json:"cwd"`
	Env       []string `json:"env"`
	Cols      uint16   `json:"cols"`
	Rows      uint16   `json:"rows"`
}

func (d *dispatcher) handleSessionOpen(item protocol.TaskItem) {
	var p sessionOpenPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}
	if p.Cols == 0 {
		p.Cols = 80
	}
	if p.Rows == 0 {
		p.Rows = 24
	}

	_, err := d.terminalMgr.CreateSession(terminal.Config{
		SessionID: p.SessionID,
		ShellPath: p.ShellPath,
		Cwd:       p.Cwd,
		Env:       p.Env,
		Cols:      p.Cols,
		Rows:      p.Rows,
	})
	if err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		d.auditEvent(protocol.EventSessionConnect, item.TaskID, p.SessionID, err.Error())
		return
	}
	d.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
	d.auditEvent(protocol.EventSessionConnect, item.TaskID, p.SessionID, "")
}

type sessionInputPayload struct {
	SessionID  string `json:"session_id"`
	ClientSeq  uint64 `json:"client_seq"`
	Data       string `json:"data"` // base64
	FromCursor uint64 `json:"from_cursor"`
}

func (d *dispatcher) handleSessionInput(item protocol.TaskItem) {
	var p sessionInputPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	sess, ok := d.terminalMgr.GetSession(p.SessionID)
	if !ok {
		d.taskMgr.SetError(item.TaskID, fmt.Sprintf("session %q not found", p.SessionID))
		return
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	if _, err := sess.WriteInput(p.ClientSeq, data); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	_, chunk, err := sess.GetOutputChunk(p.FromCursor)
	if err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}
	if len(chunk) > 0 {
		d.taskMgr.AppendOutput(item.TaskID, chunk)
	}
	d.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
}

type sessionResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

func (d *dispatcher) handleSessionResize(item protocol.TaskItem) {
	var p sessionResizePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	sess, ok := d.terminalMgr.GetSession(p.SessionID)
	if !ok {
		d.taskMgr.SetError(item.TaskID, fmt.Sprintf("session %q not found", p.SessionID))
		return
	}
	if err := sess.Resize(p.Cols, p.Rows); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}
	d.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
}

type sessionClosePayload struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
}

func (d *dispatcher) handleSessionClose(item protocol.TaskItem) {
	var p sessionClosePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		return
	}

	if _, _, err := d.terminalMgr.CloseSession(p.SessionID, p.Force); err != nil {
		d.taskMgr.SetError(item.TaskID, err.Error())
		d.auditEvent(protocol.EventSessionDisconnect, item.TaskID, p.SessionID, err.Error())
		return
	}
	d.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
	d.auditEvent(protocol.EventSessionDisconnect, item.TaskID, p.SessionID, "")
}

func (d *dispatcher) auditEvent(eventType protocol.AuditEventType, taskID, path, detail string) {
	if d.auditor == nil {
		return
	}
	result := protocol.ResultSuccess
	if detail != "" {
		result = protocol.ResultError
	}
	d.auditor.Enqueue(protocol.AuditEvent{
		Type:      eventType,
		Result:    result,
		Timestamp: uint64(time.Now().Unix()),
		TaskID:    taskID,
		Path:      path,
		Detail:    detail,
	})
}
