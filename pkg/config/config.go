// Package config holds the agent's strongly-typed configuration tree and the
// bootstrap-plus-remote-merge discipline described by the heartbeat config_update
// task: the server may push a partial document that deep-merges onto the
// current config, but the server URL always stays pinned to whatever the
// operator supplied at bootstrap.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// Bootstrap is the minimal tuple needed to start the agent.
type Bootstrap struct {
	ServerURL       string `json:"server_url" yaml:"server_url"`
	EnrollmentToken string `json:"enrollment_token,omitempty" yaml:"enrollment_token,omitempty"`
}

// Agent identifies the running binary and, once enrolled, its device ID.
type Agent struct {
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version" yaml:"version"`
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
}

// Server holds the control-plane endpoints and HTTP timeouts.
type Server struct {
	BaseURL            string `json:"base_url" yaml:"base_url"`
	EnrollmentEndpoint string `json:"enrollment_endpoint" yaml:"enrollment_endpoint"`
	HeartbeatEndpoint  string `json:"heartbeat_endpoint" yaml:"heartbeat_endpoint"`
	AuditEndpoint      string `json:"audit_endpoint" yaml:"audit_endpoint"`
	ConnectTimeout     uint64 `json:"connect_timeout" yaml:"connect_timeout"` // seconds
	RequestTimeout     uint64 `json:"request_timeout" yaml:"request_timeout"` // seconds
}

// Heartbeat controls the heartbeat loop's cadence and retry policy.
type Heartbeat struct {
	Interval      uint64 `json:"interval" yaml:"interval"` // seconds
	RetryAttempts uint32 `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    uint64 `json:"retry_delay" yaml:"retry_delay"` // seconds
}

// Security controls TLS verification mode and optional DoH/ECH.
type Security struct {
	TLSVerify          bool     `json:"tls_verify" yaml:"tls_verify"`
	CertificatePinning bool     `json:"certificate_pinning" yaml:"certificate_pinning"`
	CertificatePins    []string `json:"certificate_pins,omitempty" yaml:"certificate_pins,omitempty"`
	DoHEnabled         bool     `json:"doh_enabled" yaml:"doh_enabled"`
	DoHProviders       []string `json:"doh_providers,omitempty" yaml:"doh_providers,omitempty"`
	ECHEnabled         bool     `json:"ech_enabled" yaml:"ech_enabled"`
}

// Logging controls the logger's verbosity and output destination.
type Logging struct {
	Level    string `json:"level" yaml:"level"`
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
}

// Paths holds the agent's on-disk locations.
type Paths struct {
	DataDir             string `json:"data_dir" yaml:"data_dir"`
	CredentialsFile     string `json:"credentials_file" yaml:"credentials_file"`
	LocalPersistencePath string `json:"local_persistence_path" yaml:"local_persistence_path"`
}

// FileOperations bounds the file_list/file_get/file_put task handlers.
type FileOperations struct {
	MaxFileSize      string   `json:"max_file_size" yaml:"max_file_size"`
	AllowHiddenFiles bool     `json:"allow_hidden_files" yaml:"allow_hidden_files"`
	AllowedPaths     []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	BlockedPaths     []string `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`
}

// Commands bounds the Command Executor.
type Commands struct {
	DefaultTimeout  uint64   `json:"default_timeout" yaml:"default_timeout"` // seconds
	MaxConcurrent   uint32   `json:"max_concurrent" yaml:"max_concurrent"`
	BlockedCommands []string `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"`
}

// Reconnect mirrors pkg/reconnect.Strategy in the config tree's wire form.
type Reconnect struct {
	InitialDelay  uint64  `json:"initial_delay" yaml:"initial_delay"` // seconds
	MaxDelay      uint64  `json:"max_delay" yaml:"max_delay"`         // seconds
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxAttempts   uint32  `json:"max_attempts" yaml:"max_attempts"` // 0 = unbounded
	Jitter        bool    `json:"jitter" yaml:"jitter"`
}

// Config is the agent's full configuration tree.
type Config struct {
	Agent          Agent          `json:"agent" yaml:"agent"`
	Server         Server         `json:"server" yaml:"server"`
	Heartbeat      Heartbeat      `json:"heartbeat" yaml:"heartbeat"`
	Security       Security       `json:"security" yaml:"security"`
	Logging        Logging        `json:"logging" yaml:"logging"`
	Paths          Paths          `json:"paths" yaml:"paths"`
	FileOperations FileOperations `json:"file_operations" yaml:"file_operations"`
	Commands       Commands       `json:"commands" yaml:"commands"`
	Reconnect      Reconnect      `json:"reconnect" yaml:"reconnect"`
}

// Manager owns a Config tree plus the Bootstrap it was constructed from. The
// bootstrap's ServerURL is sticky: UpdateFromJSON always re-pins it after
// merging, so a misconfigured remote push can never strand the agent.
type Manager struct {
	config    Config
	bootstrap Bootstrap
}

// NewManager builds a default config tree with the bootstrap's server URL
// applied, rejecting an empty or non-http(s) server URL.
func NewManager(bootstrap Bootstrap) (*Manager, error) {
	cfg := defaultConfig()
	cfg.Server.BaseURL = bootstrap.ServerURL
	if err := validate(&cfg); err != nil {
		return nil, agenterrors.New(agenterrors.InvalidInput, "config.NewManager", err)
	}
	return &Manager{config: cfg, bootstrap: bootstrap}, nil
}

// LoadBootstrapFile reads a YAML bootstrap file from disk. This is the one
// on-disk configuration format this package defines; everything past
// bootstrap is transported by the heartbeat channel.
func LoadBootstrapFile(path string) (Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, agenterrors.New(agenterrors.Resource, "config.LoadBootstrapFile", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return Bootstrap{}, agenterrors.New(agenterrors.ProtocolViolation, "config.LoadBootstrapFile", err)
	}
	return b, nil
}

// Config returns the current configuration tree.
func (m *Manager) Config() Config {
	return m.config
}

// Bootstrap returns the bootstrap tuple this manager was constructed with.
func (m *Manager) Bootstrap() Bootstrap {
	return m.bootstrap
}

// UpdateFromJSON deep-merges doc onto the current config: (1) the current
// config is serialised to a generic JSON value, (2) doc is deep-merged on
// top (object keys merge recursively, scalars and arrays replace), (3) the
// merged value is deserialised back into the typed tree, (4) a device ID
// lost to a null overwrite is restored, (5) server.base_url is forced back
// to the bootstrap URL regardless of what doc contained.
func (m *Manager) UpdateFromJSON(doc []byte) error {
	currentJSON, err := json.Marshal(m.config)
	if err != nil {
		return agenterrors.New(agenterrors.InvalidInput, "config.UpdateFromJSON", fmt.Errorf("marshal current config: %w", err))
	}

	var current any
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return agenterrors.New(agenterrors.InvalidInput, "config.UpdateFromJSON", fmt.Errorf("decode current config: %w", err))
	}

	var remote any
	if err := json.Unmarshal(doc, &remote); err != nil {
		return agenterrors.New(agenterrors.ProtocolViolation, "config.UpdateFromJSON", fmt.Errorf("parse remote config: %w", err))
	}

	merged := deepMerge(current, remote)

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return agenterrors.New(agenterrors.InvalidInput, "config.UpdateFromJSON", fmt.Errorf("marshal merged config: %w", err))
	}

	previousDeviceID := m.config.Agent.DeviceID

	var next Config
	if err := json.Unmarshal(mergedJSON, &next); err != nil {
		return agenterrors.New(agenterrors.ProtocolViolation, "config.UpdateFromJSON", fmt.Errorf("apply merged config: %w", err))
	}

	if next.Agent.DeviceID == "" {
		next.Agent.DeviceID = previousDeviceID
	}
	next.Server.BaseURL = m.bootstrap.ServerURL

	if err := validate(&next); err != nil {
		return agenterrors.New(agenterrors.InvalidInput, "config.UpdateFromJSON", err)
	}
	m.config = next
	return nil
}

// deepMerge recursively merges b onto a: object keys merge key-wise;
// everything else (scalars, arrays, type mismatches) is replaced by b.
func deepMerge(a, b any) any {
	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		for k, bv := range bMap {
			if av, ok := aMap[k]; ok {
				aMap[k] = deepMerge(av, bv)
			} else {
				aMap[k] = bv
			}
		}
		return aMap
	}
	return b
}

// validate rejects a config whose server URL is empty or missing an
// http(s) scheme, and clamps everything else out-of-range to defaults, with
// the same thresholds the original config loader enforced.
func validate(cfg *Config) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server URL must not be empty")
	}
	if !strings.HasPrefix(cfg.Server.BaseURL, "http://") && !strings.HasPrefix(cfg.Server.BaseURL, "https://") {
		return fmt.Errorf("server URL must start with http:// or https://")
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = 30
	}
	if cfg.Server.ConnectTimeout == 0 {
		cfg.Server.ConnectTimeout = 30
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Logging.Level = "info"
	}
	if cfg.Reconnect.BackoffFactor <= 1.0 {
		cfg.Reconnect.BackoffFactor = 2.0
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Agent: Agent{
			Name:    "sentryd",
			Version: "dev",
		},
		Server: Server{
			BaseURL:            "https://rmm.example.com",
			EnrollmentEndpoint: "/agent/enroll",
			HeartbeatEndpoint:  "/agent/heartbeat",
			AuditEndpoint:      "/agent/audit",
			ConnectTimeout:     30,
			RequestTimeout:     60,
		},
		Heartbeat: Heartbeat{
			Interval:      30,
			RetryAttempts: 3,
			RetryDelay:    5,
		},
		Security: Security{
			TLSVerify: true,
			DoHProviders: []string{
				"https://cloudflare-dns.com/dns-query",
				"https://dns.google/dns-query",
				"https://dns.quad9.net/dns-query",
			},
		},
		Logging: Logging{
			Level: "info",
		},
		Paths: Paths{
			DataDir:              "/var/lib/sentryd",
			CredentialsFile:      "credentials.json",
			LocalPersistencePath: "/var/lib/sentryd/audit-cache",
		},
		FileOperations: FileOperations{
			MaxFileSize: "100MB",
			BlockedPaths: []string{
				"/etc/shadow",
				"/root/.ssh",
			},
		},
		Commands: Commands{
			DefaultTimeout: 300,
			MaxConcurrent:  5,
			BlockedCommands: []string{
				"rm -rf /",
				"format",
				"fdisk",
			},
		},
		Reconnect: Reconnect{
			InitialDelay:  1,
			MaxDelay:      300,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
	}
}

// HeartbeatInterval returns the configured heartbeat cadence as a Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.Interval) * time.Second
}

// RequestTimeout returns the configured HTTP request timeout as a Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

// EndpointURL joins the server base URL with a path, trimming a trailing slash.
func (c Config) EndpointURL(path string) string {
	base := c.Server.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
