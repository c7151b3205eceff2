// Package transport builds the outbound HTTP client used for every call to
// the control plane: a strict-TLS client by default, an optional
// certificate-pinning client for environments that distrust the ambient CA
// store, and a debug client that proxies through a local interception proxy
// for development.
package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

const defaultTimeout = 30 * time.Second

// VerifyMode records which certificate verification strategy a Client was
// built with, surfaced to callers that report security posture upstream.
type VerifyMode string

const (
	VerifyStrict         VerifyMode = "strict"
	VerifyStrictPinned   VerifyMode = "strict_with_pinning"
	VerifyDebugInsecure  VerifyMode = "debug_insecure"
)

// Client wraps an *http.Client with the verification mode it was built
// under, so the caller can report TLS posture without re-deriving it.
type Client struct {
	HTTP       *http.Client
	VerifyMode VerifyMode
}

// NewStrict returns a Client that verifies server certificates against the
// system root store with no relaxation. This is the default for production.
func NewStrict() *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return &Client{
		HTTP:       &http.Client{Transport: transport, Timeout: defaultTimeout},
		VerifyMode: VerifyStrict,
	}
}

// NewStrictWithPinning returns a Client that additionally requires the
// leaf server certificate's SHA-256 fingerprint to match one of
// pinnedHashes (lowercase hex), rejecting the handshake otherwise.
func NewStrictWithPinning(pinnedHashes []string) *Client {
	pinned := make(map[string]struct{}, len(pinnedHashes))
	for _, h := range pinnedHashes {
		pinned[normalizeHash(h)] = struct{}{}
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinning(rawCerts, pinned)
		},
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	return &Client{
		HTTP:       &http.Client{Transport: transport, Timeout: defaultTimeout},
		VerifyMode: VerifyStrictPinned,
	}
}

func normalizeHash(h string) string {
	out := make([]byte, 0, len(h))
	for _, c := range h {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, byte(c))
	}
	return string(out)
}

func verifyPinning(rawCerts [][]byte, pinned map[string]struct{}) error {
	if len(pinned) == 0 {
		return nil
	}
	if len(rawCerts) == 0 {
		return agenterrors.New(agenterrors.Integrity, "transport.verifyPinning", fmt.Errorf("no server certificate presented"))
	}
	leaf := rawCerts[0]
	sum := sha256.Sum256(leaf)
	hash := fmt.Sprintf("%x", sum)
	if _, ok := pinned[hash]; ok {
		return nil
	}
	return agenterrors.New(agenterrors.Integrity, "transport.verifyPinning",
		fmt.Errorf("certificate fingerprint %s matches none of the pinned hashes", hash))
}

// debugProxyURL is where NewDebug routes all traffic so it can be inspected
// with a local interception proxy (e.g. mitmproxy, Burp).
var debugProxyURL = &url.URL{Scheme: "http", Host: "127.0.0.1:8080"}
