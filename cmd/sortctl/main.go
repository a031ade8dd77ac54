// Package main implements sortctl, the operator CLI for a running tubesort
// daemon. It talks to the control plane over HTTP, or with --db edits the
// shared run state directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tubesort/internal/api"
	"github.com/banshee-data/tubesort/internal/httputil"
	"github.com/banshee-data/tubesort/internal/version"
)

var (
	// serverURL is the base URL of the tubesort control plane
	serverURL string
	// dbPath selects direct access to the run state database
	dbPath  string
	timeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sortctl",
	Short: "Control a tubesort daemon",
	Long: `sortctl starts, stops, pauses and resumes sorting runs, confirms destination
rack replacements and reads back run results.

With --db the pause, resume, stop, change-rack and status commands act on the
run state database directly, which is how a second process on the same host
steers a running daemon without the HTTP control plane.`,
	Version:      version.String(),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "tubesort control plane URL")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "run state database; bypasses the HTTP control plane")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(startCmd, stopCmd, pauseCmd, resumeCmd, changeRackCmd, statusCmd, barcodesCmd, summaryCmd, maskCmd)
	maskCmd.AddCommand(maskGetCmd, maskSetCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a sorting run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbPath != "" {
			return fmt.Errorf("start needs the daemon's devices; use --server")
		}
		return postCommand(cmd, "/api/start_program", nil)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the run at its next checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Park the arm at its next checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused run",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

var changeRackCmd = &cobra.Command{
	Use:   "change-rack [classification]",
	Short: "Confirm that a full destination rack was replaced",
	Long: `Confirm a pending destination rack replacement. When a classification is
given it must match the rack the run is waiting for.

Examples:
  sortctl change-rack
  sortctl change-rack ugi
  sortctl --db /var/lib/tubesort/tubesort_state.db change-rack vpch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChangeRack,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the run state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var barcodesCmd = &cobra.Command{
	Use:   "barcodes",
	Short: "Print the destination matrix of the current or last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/get_barcodes")
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the summary of the last finished run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/summary")
	},
}

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Read or replace source grid occupancy masks",
}

var maskGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the masks the next run will use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, "/api/matrix")
	},
}

var maskSetCmd = &cobra.Command{
	Use:   "set <source-id> <row>...",
	Short: "Replace the mask of one source grid",
	Long: `Replace the occupancy mask of one source grid for the next run. Each row is a
string of 1 (occupied) and 0 (empty) cells.

Example:
  sortctl mask set 0 111000 110000`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid source id %q: %w", args[0], err)
		}
		return postCommand(cmd, "/api/matrix", api.SourceMask{ID: id, Mask: args[1:]})
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	if dbPath != "" {
		return withLocal(cmd, func(ctx context.Context, l *local) error { return l.stop(ctx, cmd) })
	}
	return postCommand(cmd, "/api/stop_program", nil)
}

func runPause(cmd *cobra.Command, args []string) error {
	if dbPath != "" {
		return withLocal(cmd, func(ctx context.Context, l *local) error { return l.pause(ctx, cmd) })
	}
	return postCommand(cmd, "/api/pause_program", nil)
}

func runResume(cmd *cobra.Command, args []string) error {
	if dbPath != "" {
		return withLocal(cmd, func(ctx context.Context, l *local) error { return l.resume(ctx, cmd) })
	}
	return postCommand(cmd, "/api/resume_program", nil)
}

func runChangeRack(cmd *cobra.Command, args []string) error {
	var tag string
	if len(args) == 1 {
		tag = args[0]
	}
	if dbPath != "" {
		return withLocal(cmd, func(ctx context.Context, l *local) error { return l.confirmRack(ctx, cmd, tag) })
	}
	return postCommand(cmd, "/api/change_rack", api.ChangeRackRequest{Type: tag})
}

func runStatus(cmd *cobra.Command, args []string) error {
	if dbPath != "" {
		return withLocal(cmd, func(ctx context.Context, l *local) error { return l.status(ctx, cmd) })
	}
	return getJSON(cmd, "/api/robot_status")
}

func newClient() httputil.HTTPClient {
	return httputil.NewStandardClient(&http.Client{Timeout: timeout})
}

// postCommand posts body (an empty object when nil) and prints the result
// message. A refused command is returned as an error.
func postCommand(cmd *cobra.Command, path string, body any) error {
	if body == nil {
		body = struct{}{}
	}
	url := serverURL + path
	resp, err := httputil.PostJSON(cmd.Context(), newClient(), url, body)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	var res httputil.Result
	if err := json.Unmarshal(raw, &res); err != nil || res.Message == "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}
	if !res.Success || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refused: %s", res.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

// getJSON prints the indented JSON body of a GET.
func getJSON(cmd *cobra.Command, path string) error {
	if dbPath != "" {
		return fmt.Errorf("%s is only served by the daemon; use --server", path)
	}
	url := serverURL + path
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := newClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return printJSON(cmd, v)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
