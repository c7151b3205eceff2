// Package identity owns the agent's Ed25519 device identity: keypair
// lifecycle, signing, nonce generation, and atomic credential persistence.
// Once loaded, credentials are treated as shared-immutable; rotation is
// re-enrollment, never in-place mutation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// Credentials is the agent's Ed25519 device identity. DeviceID is empty
// until enrollment assigns one.
type Credentials struct {
	DeviceID   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// credentialsFile is the on-disk JSON shape: base64-encoded key material plus
// the server-issued device ID.
type credentialsFile struct {
	DeviceID   string `json:"device_id"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// Generate draws a fresh Ed25519 keypair from the OS CSPRNG.
func Generate() (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, agenterrors.New(agenterrors.Transient, "identity.Generate", err)
	}
	return &Credentials{PrivateKey: priv, PublicKey: pub}, nil
}

// Load builds Credentials from a raw 32-byte Ed25519 seed, deriving the
// public half. Returns InvalidInput if the seed is the wrong length.
func Load(seed []byte) (*Credentials, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, agenterrors.New(agenterrors.InvalidInput, "identity.Load",
			fmt.Errorf("seed length %d, want %d", len(seed), ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Credentials{PrivateKey: priv, PublicKey: pub}, nil
}

// LoadFromFile reads and decodes a credentials file written by SaveToFile.
func LoadFromFile(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterrors.New(agenterrors.Resource, "identity.LoadFromFile", err)
	}

	var doc credentialsFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, agenterrors.New(agenterrors.ProtocolViolation, "identity.LoadFromFile", err)
	}

	seed, err := base64.StdEncoding.DecodeString(doc.PrivateKey)
	if err != nil {
		return nil, agenterrors.New(agenterrors.InvalidInput, "identity.LoadFromFile", err)
	}

	creds, err := Load(seed)
	if err != nil {
		return nil, err
	}
	creds.DeviceID = doc.DeviceID
	return creds, nil
}

// SaveToFile persists credentials as JSON, writing to a temp file in the same
// directory and renaming over the target so a crash mid-write never leaves a
// truncated credentials file. POSIX permissions are locked to the owner.
func SaveToFile(path string, creds *Credentials) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("create dir: %w", err))
	}

	doc := credentialsFile{
		DeviceID:   creds.DeviceID,
		PrivateKey: base64.StdEncoding.EncodeToString(creds.PrivateKey.Seed()),
		PublicKey:  base64.StdEncoding.EncodeToString(creds.PublicKey),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return agenterrors.New(agenterrors.InvalidInput, "identity.SaveToFile", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("chmod temp file: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return agenterrors.New(agenterrors.Resource, "identity.SaveToFile", fmt.Errorf("rename into place: %w", err))
	}
	return nil
}

// PublicKeyBase64 returns the standard-base64 encoding of the public key.
func (c *Credentials) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(c.PublicKey)
}

// Sign returns the base64-encoded Ed25519 signature over data.
func (c *Credentials) Sign(data []byte) string {
	sig := ed25519.Sign(c.PrivateKey, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64-encoded signature against data using this
// credential's public key.
func (c *Credentials) Verify(data []byte, signatureBase64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.PublicKey, data, sig)
}

// VerifyWithKey checks a base64-encoded signature against data using an
// arbitrary base64-encoded public key, for verifying peers this process did
// not generate a keypair for (e.g. the upgrade signing key).
func VerifyWithKey(publicKeyBase64 string, data []byte, signatureBase64 string) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, agenterrors.New(agenterrors.InvalidInput, "identity.VerifyWithKey", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, agenterrors.New(agenterrors.InvalidInput, "identity.VerifyWithKey",
			fmt.Errorf("public key length %d, want %d", len(pubBytes), ed25519.PublicKeySize))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, sig), nil
}

// GenerateNonce draws 16 bytes of CSPRNG output, base64-encoded, for use as
// the nonce in a signed envelope.
func GenerateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", agenterrors.New(agenterrors.Transient, "identity.GenerateNonce", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
