package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentryd/pkg/enrollment"
	"github.com/cuemby/sentryd/pkg/state"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Exchange an enrollment token for a device identity",
	Long: `Generates the device's Ed25519 keypair, exchanges the enrollment
token for a server-assigned device_id, and writes the resulting
credentials to <data-dir>/credentials.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, credentialsPath, err := loadBootstrap(cmd)
		if err != nil {
			return err
		}
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			bootstrap.EnrollmentToken = token
		}
		if bootstrap.ServerURL == "" {
			return fmt.Errorf("--server-url, RMM_SERVER_URL, or a --config file must supply a server URL")
		}
		if bootstrap.EnrollmentToken == "" {
			return fmt.Errorf("--token, RMM_ENROLLMENT_TOKEN, or a --config file must supply an enrollment token")
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		store := state.New()
		if enrollment.VerifyExistingCredentials(credentialsPath, store) {
			fmt.Printf("Already enrolled as device %s (%s)\n", store.DeviceID(), credentialsPath)
			return nil
		}

		endpointURL := bootstrap.ServerURL + "/agent/enroll"
		cfg := enrollment.DefaultConfig(endpointURL)
		client := enrollment.NewClient(cfg, nil)

		fmt.Println("Enrolling with control plane...")
		deviceID, err := client.EnrollWithRetry(context.Background(), bootstrap.EnrollmentToken, credentialsPath, store)
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}

		fmt.Printf("Enrolled successfully as device %s\n", deviceID)
		fmt.Printf("Credentials written to %s\n", filepath.Clean(credentialsPath))
		return nil
	},
}

func init() {
	enrollCmd.Flags().String("token", "", "Enrollment token (overrides RMM_ENROLLMENT_TOKEN)")
}
