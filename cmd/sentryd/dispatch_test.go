package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/sentryd/pkg/executor"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/task"
)

func TestHandleCmdExecKillsChildWithin5sOfCancel(t *testing.T) {
	taskMgr := task.NewManager()
	taskMgr.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	cmdExecutor := executor.New(taskMgr)

	d := newDispatcher(taskMgr, cmdExecutor, nil, nil, nil, nil)

	payload, _ := json.Marshal(cmdExecPayload{Command: "sleep", Args: []string{"30"}})
	item := protocol.TaskItem{TaskID: "cmd-1", Revision: 1, Type: protocol.TaskCmdExec, Payload: payload}

	done := make(chan struct{})
	go func() {
		d.handleCmdExec(item)
		close(done)
	}()

	// Give the process a moment to actually start before the server cancels it.
	time.Sleep(100 * time.Millisecond)
	taskMgr.CancelTask("cmd-1", 2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleCmdExec did not return within 5s of the task being canceled")
	}

	ctx, _ := taskMgr.GetTask("cmd-1")
	if ctx.State != task.StateCanceled {
		t.Errorf("State = %v, want canceled", ctx.State)
	}
}
