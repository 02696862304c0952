package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cofretracker/cofre_tracker/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of syncd",
	Long:  `Check that syncd is up and can reach its queue store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		code, err := doRequest(cmd.Context(), "GET", "/healthz", nil, &st, http.StatusServiceUnavailable)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		if code == http.StatusOK {
			fmt.Fprintln(out, "✓ syncd is healthy")
		} else {
			fmt.Fprintf(out, "✗ syncd is unhealthy: %s\n", st.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
