package task

import (
	"testing"
	"time"

	"github.com/cuemby/sentryd/pkg/protocol"
)

func TestReceiveTaskRevisionMonotonicity(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cfg-1", 5, protocol.TaskConfigUpdate)
	m.ReceiveTask("cfg-1", 3, protocol.TaskConfigUpdate) // stale, must be dropped

	ctx, ok := m.GetTask("cfg-1")
	if !ok {
		t.Fatal("task not found")
	}
	if ctx.Revision != 5 {
		t.Errorf("Revision = %d, want 5 (stale replay must not override)", ctx.Revision)
	}
}

func TestReceiveTaskAcceptsStrictlyGreaterRevision(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cfg-1", 1, protocol.TaskConfigUpdate)
	m.UpdateState("cfg-1", StateRunning)
	m.ReceiveTask("cfg-1", 2, protocol.TaskConfigUpdate)

	ctx, _ := m.GetTask("cfg-1")
	if ctx.Revision != 2 {
		t.Errorf("Revision = %d, want 2", ctx.Revision)
	}
	if ctx.State != StateReceived {
		t.Errorf("State = %v, want received (fresh context on replace)", ctx.State)
	}
}

func TestCursorMonotonicityAndDataPreservation(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	m.UpdateState("cmd-1", StateRunning)
	m.AppendOutput("cmd-1", []byte("hello "))

	reports := m.GenerateReports()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if reports[0].OutputChunk != "hello " {
		t.Errorf("OutputChunk = %q, want %q", reports[0].OutputChunk, "hello ")
	}
	m.ConfirmReportsSent(reports)

	m.AppendOutput("cmd-1", []byte("world"))
	reports2 := m.GenerateReports()
	if len(reports2) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports2))
	}
	if reports2[0].OutputChunk != "world" {
		t.Errorf("second OutputChunk = %q, want %q (only the increment, not the prefix)", reports2[0].OutputChunk, "world")
	}

	full := "hello " + "world"
	if got := reconstruct(reports, reports2); got != full {
		t.Errorf("reconstructed output = %q, want %q", got, full)
	}
}

func reconstruct(batches ...[]protocol.TaskReport) string {
	var out string
	for _, batch := range batches {
		for _, r := range batch {
			out += r.OutputChunk
		}
	}
	return out
}

func TestTerminalStateNeverChanges(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	m.UpdateState("cmd-1", StateRunning)
	m.UpdateState("cmd-1", StateSucceeded)
	m.UpdateState("cmd-1", StateFailed) // must be ignored: already terminal

	ctx, _ := m.GetTask("cmd-1")
	if ctx.State != StateSucceeded {
		t.Errorf("State = %v, want succeeded to remain terminal", ctx.State)
	}
}

func TestScenarioS1HappyCycle(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cfg-1", 1, protocol.TaskConfigUpdate)

	reports := m.GenerateReports()
	if len(reports) != 1 || reports[0].State != protocol.StateReceived {
		t.Fatalf("expected one received report, got %+v", reports)
	}
	m.ConfirmReportsSent(reports)

	m.UpdateState("cfg-1", StateRunning)
	m.UpdateState("cfg-1", StateSucceeded)

	reports2 := m.GenerateReports()
	if len(reports2) != 1 || reports2[0].State != protocol.StateSucceeded {
		t.Fatalf("expected one succeeded report, got %+v", reports2)
	}
}

func TestScenarioS2RevisionReplayProducesNoNewReport(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cfg-1", 1, protocol.TaskConfigUpdate)
	m.ConfirmReportsSent(m.GenerateReports())
	m.UpdateState("cfg-1", StateRunning)
	m.UpdateState("cfg-1", StateSucceeded)
	m.ConfirmReportsSent(m.GenerateReports())

	m.ReceiveTask("cfg-1", 1, protocol.TaskConfigUpdate) // exact replay after S1

	if reports := m.GenerateReports(); len(reports) != 0 {
		t.Errorf("expected no new report on replay, got %+v", reports)
	}
}

func TestScenarioS3CancelDuringRunAppendsTrailer(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	m.UpdateState("cmd-1", StateRunning)
	m.ConfirmReportsSent(m.GenerateReports())

	m.CancelTask("cmd-1", 2)

	ctx, _ := m.GetTask("cmd-1")
	if ctx.State != StateCanceled {
		t.Fatalf("State = %v, want canceled", ctx.State)
	}
	if string(ctx.OutputBuffer) != "Task canceled by server" {
		t.Errorf("OutputBuffer = %q, want trailing cancellation notice", ctx.OutputBuffer)
	}

	reports := m.GenerateReports()
	if len(reports) != 1 || reports[0].State != protocol.StateCanceled {
		t.Fatalf("expected one canceled report, got %+v", reports)
	}
}

func TestCleanupCompletedTasksDropsOldTerminalContexts(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	m.UpdateState("cmd-1", StateSucceeded)

	m.mu.Lock()
	m.tasks["cmd-1"].UpdatedAt = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	m.CleanupCompletedTasks(time.Minute)

	if _, ok := m.GetTask("cmd-1"); ok {
		t.Error("expected old terminal task to be cleaned up")
	}
}

func TestCleanupCompletedTasksKeepsRecentTasks(t *testing.T) {
	m := NewManager()
	m.ReceiveTask("cmd-1", 1, protocol.TaskCmdExec)
	m.UpdateState("cmd-1", StateSucceeded)

	m.CleanupCompletedTasks(time.Hour)

	if _, ok := m.GetTask("cmd-1"); !ok {
		t.Error("expected recent terminal task to be kept")
	}
}
