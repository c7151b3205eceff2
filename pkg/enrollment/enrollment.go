// Package enrollment exchanges a one-shot enrollment token for a
// server-assigned device_id, generating the device's Ed25519 keypair and
// persisting the resulting credentials to disk on success.
package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/identity"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/state"
)

// AgentVersion is stamped into every enrollment request.
const AgentVersion = "1.0.0"

// Config controls where to enroll and how hard to retry.
type Config struct {
	ServerURL     string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig mirrors the original agent's defaults.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:     serverURL,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
	}
}

// Client performs the enrollment handshake against the control plane.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Client bound to cfg.ServerURL.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Enroll generates a fresh Ed25519 keypair, exchanges token for a device_id,
// and persists the resulting credentials to credentialsPath. Enroll makes a
// single request and generates a new keypair on every call; no keypair is
// kept between calls, so each EnrollWithRetry attempt sends a different
// public key.
func (c *Client) Enroll(ctx context.Context, token, credentialsPath string, store *state.Store) (string, error) {
	store.SetEnrollmentFailed() // overwritten below on success; marks "in progress" in the meantime

	creds, err := identity.Generate()
	if err != nil {
		return "", err
	}

	req := protocol.EnrollmentRequest{
		Token:     token,
		PublicKey: creds.PublicKeyBase64(),
		Platform:  runtime.GOOS,
		Version:   AgentVersion,
	}

	resp, err := c.sendEnrollmentRequest(ctx, req)
	if err != nil {
		store.SetEnrollmentFailed()
		return "", err
	}

	if resp.Status != "success" {
		store.SetEnrollmentFailed()
		msg := resp.Message
		if msg == "" {
			msg = "unknown enrollment error"
		}
		return "", agenterrors.New(agenterrors.AuthFailed, "enrollment.Enroll", fmt.Errorf("%s", msg))
	}

	creds.DeviceID = resp.DeviceID
	if err := identity.SaveToFile(credentialsPath, creds); err != nil {
		store.SetEnrollmentFailed()
		return "", err
	}

	store.SetEnrolled(resp.DeviceID)
	return resp.DeviceID, nil
}

func (c *Client) sendEnrollmentRequest(ctx context.Context, req protocol.EnrollmentRequest) (protocol.EnrollmentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.EnrollmentResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "enrollment.sendEnrollmentRequest", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		return protocol.EnrollmentResponse{}, agenterrors.Wrap(agenterrors.InvalidInput, "enrollment.sendEnrollmentRequest", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.EnrollmentResponse{}, agenterrors.Wrap(agenterrors.Transient, "enrollment.sendEnrollmentRequest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.EnrollmentResponse{}, agenterrors.New(agenterrors.Transient, "enrollment.sendEnrollmentRequest",
			fmt.Errorf("enrollment request failed with status %d", resp.StatusCode))
	}

	var out protocol.EnrollmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.EnrollmentResponse{}, agenterrors.Wrap(agenterrors.ProtocolViolation, "enrollment.sendEnrollmentRequest", err)
	}
	return out, nil
}

// EnrollWithRetry retries Enroll up to cfg.RetryAttempts times, sleeping
// cfg.RetryDelay between attempts. Each attempt regenerates its own keypair
// (a fresh identity per attempt), unlike the reconnect policy's backoff,
// which reuses one identity across a whole reconnect sequence.
func (c *Client) EnrollWithRetry(ctx context.Context, token, credentialsPath string, store *state.Store) (string, error) {
	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deviceID, err := c.Enroll(ctx, token, credentialsPath, store)
		if err == nil {
			return deviceID, nil
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}
	return "", lastErr
}

// VerifyExistingCredentials reports whether a usable credentials file
// already exists at credentialsPath, updating store if so.
func VerifyExistingCredentials(credentialsPath string, store *state.Store) bool {
	creds, err := identity.LoadFromFile(credentialsPath)
	if err != nil || creds.DeviceID == "" {
		return false
	}
	store.SetEnrolled(creds.DeviceID)
	return true
}
