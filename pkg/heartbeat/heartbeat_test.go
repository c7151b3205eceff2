package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/identity"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/reconnect"
	"github.com/cuemby/sentryd/pkg/state"
	"github.com/cuemby/sentryd/pkg/task"
)

func newTestEngine(t *testing.T, serverURL string) (*Engine, *config.Manager, *task.Manager, *state.Store) {
	t.Helper()
	creds, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfgMgr, err := config.NewManager(config.Bootstrap{ServerURL: serverURL})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := cfgMgr.UpdateFromJSON([]byte(`{"heartbeat":{"retry_attempts":1,"retry_delay":0}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	taskMgr := task.NewManager()
	store := state.New()
	e := NewEngine(&http.Client{}, cfgMgr, taskMgr, store, creds, nil)
	return e, cfgMgr, taskMgr, store
}

func TestSendHeartbeatSignsRequestAndAppliesResponse(t *testing.T) {
	var gotReq protocol.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
			Status: "ok",
			Tasks: []protocol.TaskItem{
				{TaskID: "t1", Revision: 1, Type: protocol.TaskCmdExec, DesiredState: protocol.DesiredRunning},
			},
		})
	}))
	defer srv.Close()

	e, cfgMgr, taskMgr, _ := newTestEngine(t, srv.URL)

	if err := e.sendHeartbeat(context.Background(), cfgMgr.Config()); err != nil {
		t.Fatalf("sendHeartbeat: %v", err)
	}

	if gotReq.Nonce == "" || gotReq.Signature == "" {
		t.Error("expected nonce and signature to be populated")
	}
	if gotReq.ProtocolVersion != protocol.ProtocolVersion {
		t.Errorf("ProtocolVersion = %q, want %q", gotReq.ProtocolVersion, protocol.ProtocolVersion)
	}

	if _, ok := taskMgr.GetTask("t1"); !ok {
		t.Error("expected task t1 to be received from heartbeat response")
	}
}

func TestSendHeartbeatNonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, cfgMgr, _, _ := newTestEngine(t, srv.URL)
	if err := e.sendHeartbeat(context.Background(), cfgMgr.Config()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestTickRecordsSentAndFailedCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
	}))
	defer srv.Close()

	e, cfgMgr, _, store := newTestEngine(t, srv.URL)

	e.tick(cfgMgr.Config().HeartbeatInterval())

	if store.Stats().HeartbeatsSent != 1 {
		t.Errorf("HeartbeatsSent = %d, want 1", store.Stats().HeartbeatsSent)
	}
	if store.Stats().HeartbeatsFailed != 0 {
		t.Errorf("HeartbeatsFailed = %d, want 0", store.Stats().HeartbeatsFailed)
	}
}

func TestTickRecordsFailureOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, cfgMgr, _, store := newTestEngine(t, srv.URL)

	delay := e.tick(cfgMgr.Config().HeartbeatInterval())

	if store.Stats().HeartbeatsFailed != 1 {
		t.Errorf("HeartbeatsFailed = %d, want 1", store.Stats().HeartbeatsFailed)
	}
	if store.ConnectionStatus() != state.ConnectionDisconnected {
		t.Errorf("ConnectionStatus = %v, want disconnected", store.ConnectionStatus())
	}
	if delay <= 0 {
		t.Error("expected a positive reconnect delay after a failed heartbeat")
	}
}

func TestTickFallsBackToIntervalOnceReconnectAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, cfgMgr, _, _ := newTestEngine(t, srv.URL)
	max := uint32(2)
	e.reconnect = reconnect.NewManager(reconnect.Custom(time.Millisecond, 10*time.Millisecond, 2.0, &max, false))

	interval := cfgMgr.Config().HeartbeatInterval()
	var delay time.Duration
	for i := 0; i < 3; i++ {
		delay = e.tick(interval)
	}

	if delay != interval {
		t.Errorf("delay = %v, want fallback to interval %v once attempts exhausted", delay, interval)
	}
}

func TestSendOnceRetriesWithinATickBeforeFailing(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, cfgMgr, _, store := newTestEngine(t, srv.URL)
	if err := cfgMgr.UpdateFromJSON([]byte(`{"heartbeat":{"retry_attempts":3,"retry_delay":0}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}

	if e.sendOnce(cfgMgr.Config()) {
		t.Fatal("expected sendOnce to fail after exhausting retry attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (retry_attempts)", calls)
	}
	if store.Stats().HeartbeatsFailed != 1 {
		t.Errorf("HeartbeatsFailed = %d, want 1 (recorded once per tick, not per attempt)", store.Stats().HeartbeatsFailed)
	}
}

func TestSendOnceSucceedsOnARetryWithoutRecordingEarlierFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
	}))
	defer srv.Close()

	e, cfgMgr, _, store := newTestEngine(t, srv.URL)
	if err := cfgMgr.UpdateFromJSON([]byte(`{"heartbeat":{"retry_attempts":3,"retry_delay":0}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}

	if !e.sendOnce(cfgMgr.Config()) {
		t.Fatal("expected sendOnce to succeed on a retried attempt")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (first attempt fails, second succeeds)", calls)
	}
	if store.Stats().HeartbeatsSent != 1 {
		t.Errorf("HeartbeatsSent = %d, want 1", store.Stats().HeartbeatsSent)
	}
	if store.Stats().HeartbeatsFailed != 0 {
		t.Errorf("HeartbeatsFailed = %d, want 0 (earlier in-tick attempts aren't recorded as failures)", store.Stats().HeartbeatsFailed)
	}
}

func TestApplyResponseProcessesCancels(t *testing.T) {
	e, cfgMgr, taskMgr, _ := newTestEngine(t, "http://example.invalid")
	taskMgr.ReceiveTask("t2", 1, protocol.TaskCmdExec)

	resp := protocol.HeartbeatResponse{
		Cancels: []protocol.CancelItem{{TaskID: "t2", Revision: 2, DesiredState: protocol.DesiredCanceled}},
	}
	e.applyResponse(context.Background(), cfgMgr.Config(), resp)

	ctx, ok := taskMgr.GetTask("t2")
	if !ok {
		t.Fatal("expected task t2 to still exist")
	}
	if ctx.State != task.StateCanceled {
		t.Errorf("State = %v, want canceled", ctx.State)
	}
}

func TestHandleUpgradeTaskNoUpgraderMarksFailed(t *testing.T) {
	e, _, taskMgr, _ := newTestEngine(t, "http://example.invalid")
	taskMgr.ReceiveTask("up1", 1, protocol.TaskUpgrade)

	e.handleUpgradeTask(protocol.TaskItem{TaskID: "up1", Revision: 1, Type: protocol.TaskUpgrade})

	ctx, ok := taskMgr.GetTask("up1")
	if !ok {
		t.Fatal("expected task up1 to exist")
	}
	if ctx.State != task.StateFailed {
		t.Errorf("State = %v, want failed", ctx.State)
	}
}

func TestStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{Status: "ok"})
	}))
	defer srv.Close()

	e, _, _, _ := newTestEngine(t, srv.URL)
	e.Start()
	e.Stop()
}
