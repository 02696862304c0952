package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/cofretracker/cofre_tracker/internal/api"
	"github.com/cofretracker/cofre_tracker/internal/audit"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Queue device scans",
}

var scanAddCmd = &cobra.Command{
	Use:   "add [audit-id] [imei]",
	Short: "Queue one scan for an audit",
	Long: `Queue a scan as if a scanning device had sent it. The scan is stored
durably and delivered by the next sync.

Example:
  cofrectl scan add audit-42 356938035643809 --result unexpected`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, _ := cmd.Flags().GetString("result")
		storeID, _ := cmd.Flags().GetString("store-id")
		deviceID, _ := cmd.Flags().GetString("device-id")
		scannedBy, _ := cmd.Flags().GetString("scanned-by")

		r := audit.Result(result)
		if !r.Valid() {
			return fmt.Errorf("invalid result %q (use found, missing or unexpected)", result)
		}

		req := api.ScanRequest{
			IMEI:      args[1],
			Result:    r,
			StoreID:   storeID,
			DeviceID:  deviceID,
			ScannedBy: scannedBy,
		}
		var resp api.EnqueueResponse
		path := "/v1/audits/" + url.PathEscape(args[0]) + "/scans"
		if _, err := doRequest(cmd.Context(), "POST", path, req, &resp); err != nil {
			return fmt.Errorf("failed to queue scan: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scan queued\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  ID: %s\n", resp.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Idempotency key: %s\n", resp.IdempotencyKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanAddCmd)

	scanAddCmd.Flags().String("result", string(audit.ResultFound), "scan result: found, missing or unexpected")
	scanAddCmd.Flags().String("store-id", "", "store the device belongs to")
	scanAddCmd.Flags().String("device-id", "", "platform device id, if known")
	scanAddCmd.Flags().String("scanned-by", "", "operator id (ignored when syncd authenticates the token)")
}
