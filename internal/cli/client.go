package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's cycle and catalog state",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiGet("/api/status")
		if err != nil {
			return err
		}
		var st statusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("malformed status response: %w", err)
		}

		fmt.Printf("State:            %s (since %s)\n", st.Cycle.State,
			st.Cycle.StateEnteredAt.Format(time.RFC3339))
		fmt.Printf("Bus owner:        %s\n", st.Cycle.BusOwner)
		fmt.Printf("Bus idle for:     %s\n", st.Cycle.IdleFor.Round(time.Second))
		fmt.Printf("Had timeout:      %v\n", st.Cycle.HadTimeout)
		if r := st.Cycle.LastResult; r != nil {
			fmt.Printf("Last pass:        %s (%d uploaded, %d skipped, %d bytes, %s)\n",
				r.Outcome, r.FilesUploaded, r.FilesSkipped, r.BytesUploaded,
				r.Elapsed.Round(time.Second))
		}
		fmt.Printf("Folders:          %d completed, %d pending\n",
			st.Catalog.CompletedFolders, st.Catalog.PendingFolders)
		fmt.Printf("Tracked files:    %d\n", st.Catalog.TrackedFiles)
		if st.Catalog.CurrentRetry != "" {
			fmt.Printf("Retrying:         %s (attempt %d)\n",
				st.Catalog.CurrentRetry, st.Catalog.RetryCount)
		}
		if !st.Catalog.LastUpload.IsZero() {
			fmt.Printf("Last upload:      %s\n", st.Catalog.LastUpload.Format(time.RFC3339))
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify completed folders against the remote backend",
	Long: `Asks the daemon to borrow the card read-only and compare each
completed folder's files against the remote listing. Folders that
diverged lose their completed status and are re-sent by the next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiPost("/api/verify")
		if err != nil {
			return err
		}
		var report struct {
			FoldersChecked     int      `json:"folders_checked"`
			FoldersInvalidated []string `json:"folders_invalidated"`
			Backend            string   `json:"backend"`
		}
		if err := json.Unmarshal(body, &report); err != nil {
			return fmt.Errorf("malformed verify response: %w", err)
		}
		fmt.Printf("Checked %d folders against %q\n", report.FoldersChecked, report.Backend)
		if len(report.FoldersInvalidated) == 0 {
			fmt.Println("All folders verified.")
		} else {
			fmt.Printf("Invalidated: %s\n", strings.Join(report.FoldersInvalidated, ", "))
		}
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:       "trigger {upload|reset|monitor-start|monitor-stop}",
	Short:     "Send an edge-triggered request to the daemon",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"upload", "reset", "monitor-start", "monitor-stop"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/api/trigger/" + args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s requested\n", args[0])
		return nil
	},
}

func apiGet(path string) ([]byte, error) {
	return apiDo(http.MethodGet, path)
}

func apiPost(path string) ([]byte, error) {
	return apiDo(http.MethodPost, path)
}

func apiDo(method, path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	req, err := http.NewRequest(method, "http://"+serverAddr+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return body, nil
}
