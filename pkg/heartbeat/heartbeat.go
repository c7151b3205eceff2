// Package heartbeat runs the agent's periodic check-in with the control
// plane: it signs and POSTs device status plus any pending task reports,
// and feeds the response's task and cancel lists into the Task Manager.
// The loop reloads its interval and target URL from the config Manager on
// every tick, so a config_update task takes effect without a restart.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/canonicaljson"
	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/identity"
	"github.com/cuemby/sentryd/pkg/log"
	"github.com/cuemby/sentryd/pkg/platform"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/reconnect"
	"github.com/cuemby/sentryd/pkg/state"
	"github.com/cuemby/sentryd/pkg/task"
)

// AgentVersion is stamped into every heartbeat's system_info.
const AgentVersion = "1.0.0"

// Signer signs a byte slice, returning a base64-encoded Ed25519 signature.
// identity.Credentials satisfies this.
type Signer interface {
	Sign(data []byte) string
}

// Upgrader performs an agent binary upgrade described by a TaskUpgrade
// payload. pkg/heartbeat's upgrade.go provides the concrete implementation;
// it is injected here so tests can stub it out.
type Upgrader interface {
	Upgrade(ctx context.Context, payload json.RawMessage) error
}

// Engine drives the heartbeat loop: one ticker, one in-flight request at a
// time, config reloaded from configMgr on every tick. A failed heartbeat is
// followed by the Reconnect Manager's backoff delay rather than waiting out
// the rest of the regular interval, so the agent retries faster immediately
// after a disconnect and backs off the longer it stays disconnected.
type Engine struct {
	httpClient *http.Client
	configMgr  *config.Manager
	taskMgr    *task.Manager
	store      *state.Store
	signer     Signer
	upgrader   Upgrader
	reconnect  *reconnect.Manager

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEngine builds an Engine. upgrader may be nil if upgrade tasks are not
// supported in this build; an upgrade task received with a nil upgrader is
// acknowledged as failed.
func NewEngine(httpClient *http.Client, configMgr *config.Manager, taskMgr *task.Manager, store *state.Store, signer Signer, upgrader Upgrader) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Engine{
		httpClient: httpClient,
		configMgr:  configMgr,
		taskMgr:    taskMgr,
		store:      store,
		signer:     signer,
		upgrader:   upgrader,
		reconnect:  reconnect.NewManager(reconnectStrategy(configMgr.Config().Reconnect)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// reconnectStrategy translates the config tree's Reconnect section into a
// reconnect.Strategy; a zero MaxAttempts means unbounded retries.
func reconnectStrategy(cfg config.Reconnect) reconnect.Strategy {
	var maxAttempts *uint32
	if cfg.MaxAttempts > 0 {
		m := cfg.MaxAttempts
		maxAttempts = &m
	}
	return reconnect.Custom(
		time.Duration(cfg.InitialDelay)*time.Second,
		time.Duration(cfg.MaxDelay)*time.Second,
		cfg.BackoffFactor,
		maxAttempts,
		cfg.Jitter,
	)
}

// Start launches the heartbeat loop in a new goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)

	interval := e.configMgr.Config().HeartbeatInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(e.tick(interval))
		case <-e.stopCh:
			return
		}
	}
}

// tick sends one heartbeat and returns the delay until the next attempt. On
// success that delay is the configured heartbeat interval; on failure it is
// the Reconnect Manager's backoff delay, so a disconnected agent retries
// sooner than its regular cadence and backs off the longer it stays down.
// Once the strategy's MaxAttempts is exhausted, tick falls back to the
// regular interval until the next scheduled heartbeat.
func (e *Engine) tick(currentInterval time.Duration) time.Duration {
	cfg := e.configMgr.Config()
	interval := currentInterval
	if next := cfg.HeartbeatInterval(); next > 0 {
		interval = next
	}

	if e.sendOnce(cfg) {
		e.reconnect.RecordSuccess()
		e.store.SetConnectionStatus(state.ConnectionConnected)
		return interval
	}

	e.reconnect.RecordFailure()
	e.store.RecordReconnect()
	e.store.SetConnectionStatus(state.ConnectionDisconnected)
	if !e.reconnect.ShouldReconnect() {
		return interval
	}
	return e.reconnect.NextDelay()
}

// sendOnce sends one heartbeat, retrying up to cfg.Heartbeat.RetryAttempts
// times with cfg.Heartbeat.RetryDelay between attempts, and records the
// tick's outcome once: success on the first attempt that lands, failure once
// every attempt is exhausted. This retry loop is scoped to a single tick; the
// Reconnect Manager's backoff in tick governs the delay before the next
// whole tick once all of these in-tick attempts have failed.
func (e *Engine) sendOnce(cfg config.Config) bool {
	attempts := cfg.Heartbeat.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	retryDelay := time.Duration(cfg.Heartbeat.RetryDelay) * time.Second

	var lastErr error
	for attempt := uint32(1); attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
		err := e.sendHeartbeat(ctx, cfg)
		cancel()
		if err == nil {
			e.store.RecordHeartbeatSent()
			return true
		}

		lastErr = err
		log.Errorf(fmt.Sprintf("heartbeat send failed (attempt %d/%d)", attempt, attempts), err)
		if attempt < attempts && retryDelay > 0 {
			time.Sleep(retryDelay)
		}
	}

	e.store.RecordHeartbeatFailed(lastErr)
	return false
}

// sendHeartbeat builds, signs, sends one heartbeat request and applies its
// response to the Task Manager and runtime state.
func (e *Engine) sendHeartbeat(ctx context.Context, cfg config.Config) error {
	reports := e.taskMgr.GenerateReports()

	req := protocol.HeartbeatRequest{
		DeviceID:        cfg.Agent.DeviceID,
		Timestamp:       uint64(time.Now().Unix()),
		ProtocolVersion: protocol.ProtocolVersion,
		SystemInfo: protocol.SystemInfo{
			Platform: runtime.GOOS,
			Version:  AgentVersion,
			Uptime:   platform.Uptime(),
		},
		Reports: reports,
	}

	nonce, err := identity.GenerateNonce()
	if err != nil {
		return agenterrors.Wrap(agenterrors.Transient, "heartbeat.sendHeartbeat", err)
	}
	req.Nonce = nonce

	if e.signer != nil {
		payload, err := canonicaljson.Marshal(req)
		if err != nil {
			return agenterrors.Wrap(agenterrors.InvalidInput, "heartbeat.sendHeartbeat", err)
		}
		req.Signature = e.signer.Sign(payload)
	}

	resp, err := e.postHeartbeat(ctx, cfg, req)
	if err != nil {
		return err
	}

	e.taskMgr.ConfirmReportsSent(reports)
	e.applyResponse(ctx, cfg, resp)
	return nil
}

func (e *Engine) postHeartbeat(ctx context.Context, cfg config.Config, req protocol.HeartbeatRequest) (protocol.HeartbeatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.HeartbeatResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "heartbeat.postHeartbeat", err)
	}

	url := cfg.EndpointURL(cfg.Server.HeartbeatEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.HeartbeatResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "heartbeat.postHeartbeat", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return protocol.HeartbeatResponse{}, agenterrors.Wrap(agenterrors.Transient, "heartbeat.postHeartbeat", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return protocol.HeartbeatResponse{}, agenterrors.New(agenterrors.Transient, "heartbeat.postHeartbeat",
			fmt.Errorf("heartbeat request failed with status %d", httpResp.StatusCode))
	}

	var out protocol.HeartbeatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return protocol.HeartbeatResponse{}, agenterrors.Wrap(agenterrors.ProtocolViolation, "heartbeat.postHeartbeat", err)
	}
	return out, nil
}

// applyResponse feeds the server's task and cancel lists into the Task
// Manager, dispatches any upgrade task to the Upgrader, and stores a nonzero
// next_heartbeat hint as the configured heartbeat interval, which the loop
// picks up from the following tick on.
func (e *Engine) applyResponse(ctx context.Context, cfg config.Config, resp protocol.HeartbeatResponse) {
	if resp.NextHeartbeat > 0 && resp.NextHeartbeat != cfg.Heartbeat.Interval {
		doc := []byte(fmt.Sprintf(`{"heartbeat":{"interval":%d}}`, resp.NextHeartbeat))
		if err := e.configMgr.UpdateFromJSON(doc); err != nil {
			log.Errorf("apply next_heartbeat hint", err)
		}
	}
	for _, item := range resp.Tasks {
		e.taskMgr.ReceiveTask(item.TaskID, item.Revision, item.Type)
		e.store.RecordCommandReceived()

		if item.Type == protocol.TaskUpgrade {
			go e.handleUpgradeTask(item)
		}
	}
	for _, cancel := range resp.Cancels {
		e.taskMgr.CancelTask(cancel.TaskID, cancel.Revision)
	}
}

// handleUpgradeTask runs an upgrade task to completion against a fresh
// background context: the heartbeat request's own context is already
// canceled by the time a re-exec would happen.
func (e *Engine) handleUpgradeTask(item protocol.TaskItem) {
	e.taskMgr.UpdateState(item.TaskID, task.StateRunning)

	if e.upgrader == nil {
		e.taskMgr.SetError(item.TaskID, "upgrade not supported in this build")
		return
	}

	if err := e.upgrader.Upgrade(context.Background(), item.Payload); err != nil {
		e.taskMgr.SetError(item.TaskID, err.Error())
		return
	}
	e.taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
}
