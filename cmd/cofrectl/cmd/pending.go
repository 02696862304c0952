package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/cofretracker/cofre_tracker/internal/api"
	"github.com/cofretracker/cofre_tracker/internal/audit"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and prune scans waiting for delivery",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending scans in enqueue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditID, _ := cmd.Flags().GetString("audit")
		path := "/v1/pending"
		if auditID != "" {
			path += "?audit=" + url.QueryEscape(auditID)
		}

		var items []scanqueue.Item[audit.Scan]
		if _, err := doRequest(cmd.Context(), "GET", path, nil, &items); err != nil {
			return fmt.Errorf("failed to list pending scans: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, items)
			return nil
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No pending scans")
			return nil
		}
		fmt.Fprintf(out, "%d pending scan(s):\n", len(items))
		for _, it := range items {
			fmt.Fprintf(out, "  %s  audit=%s imei=%s result=%s retries=%d queued=%s\n",
				it.ID, it.BatchID, it.Payload.IMEI, it.Payload.Result, it.RetryCount,
				time.UnixMilli(it.EnqueuedAt).Format(time.RFC3339))
		}
		return nil
	},
}

var pendingCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of pending scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.CountResponse
		if _, err := doRequest(cmd.Context(), "GET", "/v1/pending/count", nil, &resp); err != nil {
			return fmt.Errorf("failed to count pending scans: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), resp.Count)
		}
		return nil
	},
}

var pendingRmCmd = &cobra.Command{
	Use:   "rm [item-id]",
	Short: "Remove one pending scan without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := doRequest(cmd.Context(), "DELETE", "/v1/pending/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every pending scan",
	Long: `Remove every pending scan without delivering it. Scans removed this
way are lost. Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear the queue without --yes")
		}
		if _, err := doRequest(cmd.Context(), "DELETE", "/v1/pending", nil, nil); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pending queue cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.AddCommand(pendingListCmd, pendingCountCmd, pendingRmCmd, pendingClearCmd)

	pendingListCmd.Flags().String("audit", "", "only scans of this audit")
	pendingClearCmd.Flags().Bool("yes", false, "confirm removal of every pending scan")
}
