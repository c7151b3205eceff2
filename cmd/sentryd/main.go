package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentryd/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentryd",
	Short: "sentryd - remote monitoring and management endpoint agent",
	Long: `sentryd is the endpoint agent for an RMM control plane: it enrolls
once against a server-issued token, then runs a signed heartbeat loop that
carries task assignments down and task reports back up.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sentryd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("server-url", "", "Control plane base URL (overrides RMM_SERVER_URL)")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/sentryd", "Agent data directory")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML bootstrap config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
