package heartbeat

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/log"
	"github.com/cuemby/sentryd/pkg/protocol"
)

// fallbackUpgradePublicKey is used only when the control plane's
// /health/public-key endpoint cannot be reached. It verifies nothing in
// practice (its matching private key is not held by anyone); production
// deployments should compile in the real trusted key instead of relying on
// this fetch-or-fallback path.
var fallbackUpgradePublicKey = make(ed25519.PublicKey, ed25519.PublicKeySize)

// UpgradePayload is the TaskUpgrade task payload.
type UpgradePayload struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`  // hex sha256 of the binary
	Signature   string `json:"signature"` // base64 Ed25519 signature over the sha256 hash
}

// BinaryUpgrader downloads, verifies, and installs a new agent binary: it
// satisfies the Upgrader interface consumed by Engine.
type BinaryUpgrader struct {
	httpClient *http.Client
	configMgr  *config.Manager
}

// NewBinaryUpgrader builds a BinaryUpgrader bound to configMgr's server URL.
func NewBinaryUpgrader(httpClient *http.Client, configMgr *config.Manager) *BinaryUpgrader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &BinaryUpgrader{httpClient: httpClient, configMgr: configMgr}
}

// Upgrade downloads the binary named by payload, verifies its checksum and
// signature, and installs it in place. On success for a POSIX target this
// function does not return: the process re-execs and exits.
func (u *BinaryUpgrader) Upgrade(ctx context.Context, payload json.RawMessage) error {
	var p UpgradePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return agenterrors.Wrap(agenterrors.ProtocolViolation, "heartbeat.Upgrade", err)
	}

	log.Info(fmt.Sprintf("starting upgrade to version %s", p.Version))

	binary, err := u.download(ctx, p.DownloadURL)
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("downloaded %d bytes for upgrade", len(binary)))

	sum := sha256.Sum256(binary)
	actual := hex.EncodeToString(sum[:])
	if actual != p.Checksum {
		return agenterrors.New(agenterrors.Integrity, "heartbeat.Upgrade",
			fmt.Errorf("checksum mismatch: expected %s, got %s", p.Checksum, actual))
	}

	ok, err := u.verifySignature(ctx, sum[:], p.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return agenterrors.New(agenterrors.Integrity, "heartbeat.Upgrade", fmt.Errorf("signature verification failed"))
	}
	log.Info("upgrade signature verified")

	return installBinary(binary, p.Version, func(status string) {
		u.notifyStatus(ctx, p.Version, status)
	})
}

func (u *BinaryUpgrader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.InvalidInput, "heartbeat.download", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.Transient, "heartbeat.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, agenterrors.New(agenterrors.Transient, "heartbeat.download",
			fmt.Errorf("download failed with status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.Transient, "heartbeat.download", err)
	}
	return data, nil
}

// verifySignature checks signatureB64 against hash using the server's
// published upgrade public key, falling back to fallbackUpgradePublicKey if
// the key cannot be fetched.
func (u *BinaryUpgrader) verifySignature(ctx context.Context, hash []byte, signatureB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, agenterrors.New(agenterrors.InvalidInput, "heartbeat.verifySignature", fmt.Errorf("invalid signature encoding"))
	}

	pubKey := u.fetchServerPublicKey(ctx)
	return ed25519.Verify(pubKey, hash, sig), nil
}

// fetchServerPublicKey retrieves the upgrade-signing public key from
// /health/public-key, falling back to fallbackUpgradePublicKey (with a
// warning) on any failure.
func (u *BinaryUpgrader) fetchServerPublicKey(ctx context.Context) ed25519.PublicKey {
	cfg := u.configMgr.Config()
	url := cfg.EndpointURL("/health/public-key")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Warn("failed to build public key request, using fallback upgrade key")
		return fallbackUpgradePublicKey
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		log.Warn("failed to fetch server public key, using fallback upgrade key")
		return fallbackUpgradePublicKey
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("server public key endpoint returned a non-2xx status, using fallback upgrade key")
		return fallbackUpgradePublicKey
	}

	var body protocol.PublicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Warn("failed to parse public key response, using fallback upgrade key")
		return fallbackUpgradePublicKey
	}

	keyBytes, err := base64.StdEncoding.DecodeString(body.PublicKey)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		log.Warn("server public key has invalid encoding, using fallback upgrade key")
		return fallbackUpgradePublicKey
	}
	return ed25519.PublicKey(keyBytes)
}

// notifyStatus best-effort informs the server of upgrade progress; failures
// are swallowed since an upgrade in flight must never be blocked by it.
func (u *BinaryUpgrader) notifyStatus(ctx context.Context, version, status string) {
	cfg := u.configMgr.Config()
	url := cfg.EndpointURL("/agent/upgrade/status")

	body, err := json.Marshal(map[string]any{"version": version, "status": status})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
