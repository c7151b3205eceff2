package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentryd/pkg/config"
)

// loadBootstrap resolves the server URL and enrollment token from, in
// priority order, command flags, environment variables, and a --config YAML
// file, matching the original agent's layered bootstrap discipline.
func loadBootstrap(cmd *cobra.Command) (config.Bootstrap, string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	var bootstrap config.Bootstrap
	if configPath != "" {
		loaded, err := config.LoadBootstrapFile(configPath)
		if err != nil {
			return config.Bootstrap{}, "", err
		}
		bootstrap = loaded
	}

	if v := os.Getenv("RMM_SERVER_URL"); v != "" {
		bootstrap.ServerURL = v
	}
	if v := os.Getenv("RMM_ENROLLMENT_TOKEN"); v != "" {
		bootstrap.EnrollmentToken = v
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		bootstrap.ServerURL = v
	}

	credentialsPath := filepath.Join(dataDir, "credentials.json")
	return bootstrap, credentialsPath, nil
}

func debugProxyRequested() bool {
	v := os.Getenv("AGENT_DEBUG_PROXY")
	switch v {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}
