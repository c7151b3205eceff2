//go:build debug

package transport

import (
	"crypto/tls"
	"net/http"

	"github.com/cuemby/sentryd/pkg/log"
)

// NewDebug returns a Client that proxies all traffic through a local
// interception proxy and trusts any certificate it presents. Only built
// into binaries compiled with `-tags debug`.
func NewDebug() *Client {
	log.Logger.Warn().
		Str("proxy", debugProxyURL.String()).
		Msg("DEBUG MODE ENABLED: all traffic will be proxied and all certificates trusted")

	transport := &http.Transport{
		Proxy: http.ProxyURL(debugProxyURL),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // debug-only, operator opted in explicitly
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &Client{
		HTTP:       &http.Client{Transport: transport, Timeout: defaultTimeout},
		VerifyMode: VerifyDebugInsecure,
	}
}
