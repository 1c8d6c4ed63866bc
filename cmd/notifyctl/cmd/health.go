package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the notifier",
	Long: `Check liveness (/health) and, with --ready, readiness (/readyz) of the
notifier. Readiness includes a ledger ping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ready, _ := cmd.Flags().GetBool("ready")
		path := "/health"
		if ready {
			path = "/readyz"
		}

		resp, err := makeHTTPRequest("GET", endpointURL(false, path), nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, body)
		} else if resp.StatusCode == 200 {
			fmt.Fprintf(out, "✓ Service is healthy (%s)\n", path)
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (%s HTTP %d)\n", path, resp.StatusCode)
		}
		if resp.StatusCode != 200 {
			return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("ready", false, "check readiness instead of liveness")
}
