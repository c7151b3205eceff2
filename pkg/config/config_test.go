package config

import "testing"

func TestNewManagerAppliesBootstrapURL(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Config().Server.BaseURL != "https://rmm.internal" {
		t.Errorf("BaseURL = %q, want https://rmm.internal", m.Config().Server.BaseURL)
	}
}

func TestUpdateFromJSONStickyServerURL(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	doc := []byte(`{"server":{"base_url":"https://attacker.example.com"},"heartbeat":{"interval":10}}`)
	if err := m.UpdateFromJSON(doc); err != nil {
		t.Fatalf("UpdateFromJSON returned error: %v", err)
	}

	if got := m.Config().Server.BaseURL; got != "https://rmm.internal" {
		t.Errorf("BaseURL = %q, want bootstrap URL to stick (https://rmm.internal)", got)
	}
	if m.Config().Heartbeat.Interval != 10 {
		t.Errorf("Heartbeat.Interval = %d, want 10", m.Config().Heartbeat.Interval)
	}
}

func TestUpdateFromJSONPreservesDeviceIDOnNullOverwrite(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.config.Agent.DeviceID = "dev-123"

	doc := []byte(`{"agent":{"device_id":null}}`)
	if err := m.UpdateFromJSON(doc); err != nil {
		t.Fatalf("UpdateFromJSON returned error: %v", err)
	}

	if got := m.Config().Agent.DeviceID; got != "dev-123" {
		t.Errorf("DeviceID = %q, want dev-123 preserved", got)
	}
}

func TestUpdateFromJSONMergesNestedObjectsKeyWise(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	doc := []byte(`{"security":{"doh_enabled":true}}`)
	if err := m.UpdateFromJSON(doc); err != nil {
		t.Fatalf("UpdateFromJSON returned error: %v", err)
	}

	if !m.Config().Security.DoHEnabled {
		t.Error("Security.DoHEnabled = false, want true")
	}
	if !m.Config().Security.TLSVerify {
		t.Error("Security.TLSVerify should remain true (unrelated key untouched by merge)")
	}
}

func TestValidateClampsInvalidBackoffFactor(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	doc := []byte(`{"reconnect":{"backoff_factor":0.5}}`)
	if err := m.UpdateFromJSON(doc); err != nil {
		t.Fatalf("UpdateFromJSON returned error: %v", err)
	}
	if m.Config().Reconnect.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor = %v, want clamped to 2.0", m.Config().Reconnect.BackoffFactor)
	}
}

func TestValidateClampsInvalidLogLevel(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	doc := []byte(`{"logging":{"level":"verbose"}}`)
	if err := m.UpdateFromJSON(doc); err != nil {
		t.Fatalf("UpdateFromJSON returned error: %v", err)
	}
	if m.Config().Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want clamped to info", m.Config().Logging.Level)
	}
}

func TestNewManagerRejectsEmptyServerURL(t *testing.T) {
	if _, err := NewManager(Bootstrap{ServerURL: ""}); err == nil {
		t.Fatal("expected an error for an empty server URL")
	}
}

func TestNewManagerRejectsNonHTTPServerURL(t *testing.T) {
	if _, err := NewManager(Bootstrap{ServerURL: "not-a-url"}); err == nil {
		t.Fatal("expected an error for a non-http(s) server URL")
	}
}

func TestUpdateFromJSONRejectsNonHTTPServerURL(t *testing.T) {
	m, err := NewManager(Bootstrap{ServerURL: "https://rmm.internal"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	doc := []byte(`{"heartbeat":{"interval":10}}`)
	m.bootstrap.ServerURL = "ftp://rmm.internal"
	if err := m.UpdateFromJSON(doc); err == nil {
		t.Fatal("expected an error when the sticky bootstrap URL is not http(s)")
	}
}
