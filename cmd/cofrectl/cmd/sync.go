package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending scans now",
	Long: `Ask syncd to run a sync immediately and print the outcome. If a sync is
already running nothing is started and the command reports it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res scanqueue.Result
		if _, err := doRequest(cmd.Context(), "POST", "/v1/sync", nil, &res, http.StatusConflict); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, res)
			return nil
		}
		if res.Skipped {
			fmt.Fprintln(out, "A sync is already running; nothing started")
			return nil
		}
		fmt.Fprintf(out, "Sync finished: %d total, %d delivered, %d failed (%d dropped)\n",
			res.Total, res.Success, res.Failed, res.Dropped)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue depth and the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st syncer.Status
		if _, err := doRequest(cmd.Context(), "GET", "/v1/status", nil, &st); err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		online := "offline"
		if st.Online {
			online = "online"
		}
		fmt.Fprintf(out, "Backend: %s\n", online)
		fmt.Fprintf(out, "Pending: %d\n", st.Pending)
		fmt.Fprintf(out, "Syncing: %v\n", st.Syncing)
		if st.LastRunAt != nil && st.LastResult != nil {
			r := st.LastResult
			fmt.Fprintf(out, "Last sync: %s (%d delivered, %d failed, %d dropped)\n",
				st.LastRunAt.Local().Format(time.RFC3339), r.Success, r.Failed, r.Dropped)
		} else {
			fmt.Fprintln(out, "Last sync: never")
		}
		if st.NextRunAt != nil {
			fmt.Fprintf(out, "Next scheduled: %s\n", st.NextRunAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}
