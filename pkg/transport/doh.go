package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// Provider is a single DNS-over-HTTPS endpoint. BootstrapIPs lets the
// resolver dial the provider directly by IP so resolving its own hostname
// never recurses back through system DNS.
type Provider struct {
	Name         string
	URL          string
	BootstrapIPs []string
}

// DefaultProviders mirrors the public resolvers most agents can reach from
// behind a corporate firewall.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "cloudflare", URL: "https://1.1.1.1/dns-query", BootstrapIPs: []string{"1.1.1.1", "1.0.0.1"}},
		{Name: "google", URL: "https://8.8.8.8/dns-query", BootstrapIPs: []string{"8.8.8.8", "8.8.4.4"}},
	}
}

// Resolver resolves hostnames over DoH, rotating to the next provider only
// on failure. After the current provider and the next one have both failed
// it falls back to the OS resolver; providers beyond those two are not
// tried in the same call.
type Resolver struct {
	mu              sync.Mutex
	providers       []Provider
	current         int
	fallbackEnabled bool
	httpClient      *http.Client
}

// NewResolver builds a Resolver over providers. Each provider gets its own
// http.Client whose DialContext is pinned to the provider's bootstrap IPs,
// so the DoH query itself never triggers a system DNS lookup.
func NewResolver(providers []Provider, fallbackEnabled bool) *Resolver {
	return &Resolver{
		providers:       providers,
		fallbackEnabled: fallbackEnabled,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
	}
}

// CurrentProvider returns the provider the next Resolve call will try first.
func (r *Resolver) CurrentProvider() (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		return Provider{}, false
	}
	return r.providers[r.current], true
}

// ProviderCount reports how many DoH providers are configured.
func (r *Resolver) ProviderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// Resolve looks up domain's A records via the current provider. With
// fallback enabled, a failure rotates to the next provider and retries once
// before falling back to the system resolver; with fallback disabled, the
// first provider's error is returned and the cursor does not move.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	r.mu.Lock()
	if len(r.providers) == 0 {
		r.mu.Unlock()
		return nil, agenterrors.New(agenterrors.Transient, "transport.Resolve", fmt.Errorf("no DoH providers configured"))
	}
	provider := r.providers[r.current]
	r.mu.Unlock()

	ips, err := r.query(ctx, provider, domain)
	if err == nil {
		return ips, nil
	}

	if !r.fallbackEnabled {
		return nil, err
	}
	return r.tryFallback(ctx, domain)
}

func (r *Resolver) tryFallback(ctx context.Context, domain string) ([]string, error) {
	r.mu.Lock()
	r.current = (r.current + 1) % len(r.providers)
	next := r.providers[r.current]
	r.mu.Unlock()

	if ips, err := r.query(ctx, next, domain); err == nil {
		return ips, nil
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, domain)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.Transient, "transport.tryFallback", err)
	}
	return addrs, nil
}

type dnsJSONAnswer struct {
	Data string `json:"data"`
}

type dnsJSONResponse struct {
	Answer []dnsJSONAnswer `json:"Answer"`
}

func (r *Resolver) query(ctx context.Context, p Provider, domain string) ([]string, error) {
	client := r.clientFor(p)

	reqURL := fmt.Sprintf("%s?name=%s&type=A", p.URL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.InvalidInput, "transport.query", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.Transient, "transport.query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, agenterrors.New(agenterrors.Transient, "transport.query",
			fmt.Errorf("DoH query to %s failed with status %d", p.Name, resp.StatusCode))
	}

	var parsed dnsJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, agenterrors.Wrap(agenterrors.ProtocolViolation, "transport.query", err)
	}

	var ips []string
	for _, a := range parsed.Answer {
		if net.ParseIP(a.Data) != nil {
			ips = append(ips, a.Data)
		}
	}
	if len(ips) == 0 {
		return nil, agenterrors.New(agenterrors.Transient, "transport.query",
			fmt.Errorf("no A records in DoH response from %s", p.Name))
	}
	return ips, nil
}

// clientFor returns an http.Client that dials the provider's hostname by
// bootstrap IP directly, bypassing the system resolver for the DoH request
// itself.
func (r *Resolver) clientFor(p Provider) *http.Client {
	if len(p.BootstrapIPs) == 0 {
		return r.httpClient
	}
	bootstrapIP := p.BootstrapIPs[0]
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "443"
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(bootstrapIP, port))
		},
	}
	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}
