package heartbeat

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/sentryd/pkg/config"
)

func newTestUpgrader(t *testing.T, serverURL string) *BinaryUpgrader {
	t.Helper()
	cfgMgr, err := config.NewManager(config.Bootstrap{ServerURL: serverURL})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewBinaryUpgrader(&http.Client{}, cfgMgr)
}

func TestUpgradeChecksumMismatchReturnsError(t *testing.T) {
	downloadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new binary contents"))
	}))
	defer downloadSrv.Close()

	u := newTestUpgrader(t, "http://example.invalid")
	payload, _ := json.Marshal(UpgradePayload{
		Version:     "2.0.0",
		DownloadURL: downloadSrv.URL,
		Checksum:    "0000000000000000000000000000000000000000000000000000000000000000",
		Signature:   base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)),
	})

	if err := u.Upgrade(context.Background(), payload); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestUpgradeInvalidSignatureEncodingReturnsError(t *testing.T) {
	binary := []byte("new binary contents")
	sum := sha256.Sum256(binary)
	downloadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(binary)
	}))
	defer downloadSrv.Close()

	u := newTestUpgrader(t, "http://example.invalid")
	payload, _ := json.Marshal(UpgradePayload{
		Version:     "2.0.0",
		DownloadURL: downloadSrv.URL,
		Checksum:    hex.EncodeToString(sum[:]),
		Signature:   "not-valid-base64!!",
	})

	if err := u.Upgrade(context.Background(), payload); err == nil {
		t.Fatal("expected signature decoding error")
	}
}

func TestVerifySignatureAcceptsValidSignatureFromFetchedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	keySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"public_key": base64.StdEncoding.EncodeToString(pub)})
	}))
	defer keySrv.Close()

	u := newTestUpgrader(t, keySrv.URL)

	hash := sha256.Sum256([]byte("binary contents"))
	sig := ed25519.Sign(priv, hash[:])

	ok, err := u.verifySignature(context.Background(), hash[:], base64.StdEncoding.EncodeToString(sig))
	if err != nil {
		t.Fatalf("verifySignature: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify against the fetched public key")
	}
}

func TestVerifySignatureRejectsWrongSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"public_key": base64.StdEncoding.EncodeToString(pub)})
	}))
	defer keySrv.Close()

	u := newTestUpgrader(t, keySrv.URL)

	hash := sha256.Sum256([]byte("binary contents"))
	wrongSig := make([]byte, ed25519.SignatureSize)

	ok, err := u.verifySignature(context.Background(), hash[:], base64.StdEncoding.EncodeToString(wrongSig))
	if err != nil {
		t.Fatalf("verifySignature: %v", err)
	}
	if ok {
		t.Error("expected mismatched signature to fail verification")
	}
}

func TestFetchServerPublicKeyFallsBackOnUnreachableServer(t *testing.T) {
	u := newTestUpgrader(t, "http://host.invalid.example")
	key := u.fetchServerPublicKey(context.Background())
	if len(key) != ed25519.PublicKeySize {
		t.Fatalf("fallback key length = %d, want %d", len(key), ed25519.PublicKeySize)
	}
}
