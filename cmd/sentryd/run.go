package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/agentmetrics"
	"github.com/cuemby/sentryd/pkg/audit"
	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/executor"
	"github.com/cuemby/sentryd/pkg/fileops"
	"github.com/cuemby/sentryd/pkg/heartbeat"
	"github.com/cuemby/sentryd/pkg/identity"
	"github.com/cuemby/sentryd/pkg/log"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/state"
	"github.com/cuemby/sentryd/pkg/task"
	"github.com/cuemby/sentryd/pkg/terminal"
	"github.com/cuemby/sentryd/pkg/transport"
)

const maxTerminalSessions = 8

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: heartbeat loop, task dispatch, audit upload, and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, credentialsPath, err := loadBootstrap(cmd)
		if err != nil {
			return err
		}
		if bootstrap.ServerURL == "" {
			return fmt.Errorf("--server-url, RMM_SERVER_URL, or a --config file must supply a server URL")
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		creds, err := identity.LoadFromFile(credentialsPath)
		if err != nil {
			return fmt.Errorf("load credentials (run 'sentryd enroll' first): %w", err)
		}

		store := state.New()
		if creds.DeviceID != "" {
			store.SetEnrolled(creds.DeviceID)
		}

		configMgr, err := config.NewManager(bootstrap)
		if err != nil {
			return fmt.Errorf("build config manager: %w", err)
		}
		identityDoc, _ := json.Marshal(map[string]any{
			"agent": map[string]string{"device_id": creds.DeviceID, "version": Version},
		})
		if err := configMgr.UpdateFromJSON(identityDoc); err != nil {
			return fmt.Errorf("apply device identity to config: %w", err)
		}
		cfg := configMgr.Config()

		httpClient := buildHTTPClient(cfg)

		taskMgr := task.NewManager()

		auditCfg := audit.Config{
			DeviceID:         creds.DeviceID,
			BatchSize:        20,
			BatchInterval:    30 * time.Second,
			CacheDir:         filepath.Join(dataDir, "audit-cache"),
			MaxCachedEvents:  1000,
			PersistOnFailure: true,
		}
		uploader := &httpAuditUploader{httpClient: httpClient, configMgr: configMgr}
		auditPipeline := audit.NewPipeline(auditCfg, creds, uploader)
		auditPipeline.Start()
		defer auditPipeline.Stop()

		fileOpsPolicy, err := fileops.PolicyFromConfig(cfg.FileOperations)
		if err != nil {
			return fmt.Errorf("file operations policy: %w", err)
		}
		fileOpsMgr := fileops.NewManager(fileOpsPolicy, auditPipeline)

		cmdExecutor := executor.New(taskMgr)
		terminalMgr := terminal.NewManager(maxTerminalSessions)

		upgrader := heartbeat.NewBinaryUpgrader(httpClient, configMgr)
		engine := heartbeat.NewEngine(httpClient, configMgr, taskMgr, store, creds, upgrader)
		engine.Start()
		defer engine.Stop()

		metricsCollector := agentmetrics.NewCollector(store, taskMgr, 15*time.Second)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		metricsSrv := &http.Server{Addr: metricsAddr, Handler: agentmetrics.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server stopped", err)
			}
		}()
		defer metricsSrv.Close()

		disp := newDispatcher(taskMgr, cmdExecutor, terminalMgr, fileOpsMgr, configMgr, auditPipeline)
		disp.Start()
		defer disp.Stop()

		store.SetConnectionStatus(state.ConnectionConnecting)
		log.Info(fmt.Sprintf("sentryd running as device %s, heartbeat every %s", creds.DeviceID, cfg.HeartbeatInterval()))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		if err := terminalMgr.CloseAll(false); err != nil {
			log.Errorf("closing terminal sessions", err)
		}
		store.SetConnectionStatus(state.ConnectionDisconnected)
		return nil
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
}

func buildHTTPClient(cfg config.Config) *http.Client {
	if debugProxyRequested() {
		return transport.NewDebug().HTTP
	}
	if cfg.Security.CertificatePinning && len(cfg.Security.CertificatePins) > 0 {
		return transport.NewStrictWithPinning(cfg.Security.CertificatePins).HTTP
	}
	return transport.NewStrict().HTTP
}

// httpAuditUploader is the concrete audit.Uploader: a direct POST to the
// configured audit endpoint, mirroring pkg/heartbeat's own inline request
// style rather than introducing a separate transport abstraction.
type httpAuditUploader struct {
	httpClient *http.Client
	configMgr  *config.Manager
}

func (u *httpAuditUploader) UploadAudit(ctx context.Context, req protocol.AuditUploadRequest) (protocol.AuditUploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.AuditUploadResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "main.httpAuditUploader.UploadAudit", err)
	}

	url := u.configMgr.Config().EndpointURL(u.configMgr.Config().Server.AuditEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.AuditUploadResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "main.httpAuditUploader.UploadAudit", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return protocol.AuditUploadResponse{}, agenterrors.Wrap(agenterrors.Transient, "main.httpAuditUploader.UploadAudit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.AuditUploadResponse{}, agenterrors.New(agenterrors.Transient, "main.httpAuditUploader.UploadAudit",
			fmt.Errorf("audit upload failed with status %d", resp.StatusCode))
	}

	var out protocol.AuditUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.AuditUploadResponse{}, agenterrors.Wrap(agenterrors.ProtocolViolation, "main.httpAuditUploader.UploadAudit", err)
	}
	return out, nil
}
