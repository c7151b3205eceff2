package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func dohServer(t *testing.T, ip string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := dnsJSONResponse{Answer: []dnsJSONAnswer{{Data: ip}}}
		json.NewEncoder(w).Encode(resp)
	}))
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestResolveUsesCurrentProviderOnSuccess(t *testing.T) {
	srv := dohServer(t, "203.0.113.5")
	defer srv.Close()

	r := NewResolver([]Provider{{Name: "test", URL: srv.URL}}, false)
	ips, err := r.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ips) != 1 || ips[0] != "203.0.113.5" {
		t.Errorf("ips = %v, want [203.0.113.5]", ips)
	}
	if p, _ := r.CurrentProvider(); p.Name != "test" {
		t.Errorf("CurrentProvider = %v, cursor should not rotate on success", p)
	}
}

func TestResolveRotatesCursorOnlyAfterFailure(t *testing.T) {
	bad := failingServer(t)
	defer bad.Close()
	good := dohServer(t, "198.51.100.9")
	defer good.Close()

	r := NewResolver([]Provider{{Name: "bad", URL: bad.URL}, {Name: "good", URL: good.URL}}, true)
	ips, err := r.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ips) != 1 || ips[0] != "198.51.100.9" {
		t.Errorf("ips = %v, want [198.51.100.9]", ips)
	}
	if p, _ := r.CurrentProvider(); p.Name != "good" {
		t.Errorf("CurrentProvider = %v, want rotated to good", p)
	}
}

func TestResolveReturnsErrorWithoutFallback(t *testing.T) {
	bad := failingServer(t)
	defer bad.Close()

	r := NewResolver([]Provider{{Name: "bad", URL: bad.URL}}, false)
	if _, err := r.Resolve(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error when provider fails and fallback disabled")
	}
}

func TestResolveNoProvidersConfigured(t *testing.T) {
	r := NewResolver(nil, false)
	if _, err := r.Resolve(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error with no providers configured")
	}
}
