// Command fleetctl is a thin HTTP client for fleetd's control API,
// mirroring cmd/warren's single-binary, subcommand-per-operation shape.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleet/pkg/orcherr"
)

var (
	Version = "dev"
	addr    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(orcherr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "fleetctl controls a running fleetd daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("FLEET_ADDR", "http://127.0.0.1:8080"), "fleetd control API base address")

	rootCmd.AddCommand(spawnCmd, listCmd, statusCmd, sendCmd, readCmd, stopCmd, mergeCmd, cleanupCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError mirrors the {"error": "..."} body every handler in pkg/api
// writes on failure, keeping the HTTP status alongside the server's
// message so exitCodeForStatus can classify it the way orcherr.ExitCode
// classifies a scheduler-side sentinel.
type apiError struct {
	Status int
	Text   string
}

func (e *apiError) Error() string { return e.Text }

var client = &http.Client{Timeout: 30 * time.Second}

func call(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return resp, nil
}

// decodeOrError reads resp into v on 2xx, or builds an apiError carrying
// the HTTP status and the server's error message.
func decodeOrError(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if v == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(v)
	}

	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &apiError{Status: resp.StatusCode, Text: body["error"]}
}

// exitCodeForStatus maps an HTTP status from pkg/api back to the §6
// CLI exit code. pkg/api's statusFor reports several sentinels as 409,
// so a conflict is told apart by the sentinel's text in the message.
func exitCodeForStatus(status int, text string) int {
	switch status {
	case http.StatusNotFound:
		return 3
	case http.StatusConflict:
		switch {
		case strings.Contains(text, orcherr.ErrDuplicateID.Error()):
			return 4
		case strings.Contains(text, orcherr.ErrInvalidTransition.Error()):
			return 5
		}
		return 1
	default:
		return 1
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	if apiErr, ok := err.(*apiError); ok {
		os.Exit(exitCodeForStatus(apiErr.Status, apiErr.Text))
	}
	os.Exit(1)
}

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a new worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		repo, _ := cmd.Flags().GetString("repo")
		task, _ := cmd.Flags().GetString("task")
		baseRef, _ := cmd.Flags().GetString("base-ref")
		owned, _ := cmd.Flags().GetStringArray("owned")
		offLimits, _ := cmd.Flags().GetStringArray("off-limits")

		resp, err := call(http.MethodPost, "/workers", map[string]any{
			"id": id, "repo": repo, "task": task, "base_ref": baseRef,
			"owned": owned, "off_limits": offLimits,
		})
		if err != nil {
			fail(err)
		}
		var worker map[string]any
		if err := decodeOrError(resp, &worker); err != nil {
			fail(err)
		}
		printJSON(worker)
		return nil
	},
}

func init() {
	spawnCmd.Flags().String("id", "", "worker id (required)")
	spawnCmd.Flags().String("repo", "", "repository name (required)")
	spawnCmd.Flags().String("task", "", "task description (required)")
	spawnCmd.Flags().String("base-ref", "", "base git ref to branch from")
	spawnCmd.Flags().StringArray("owned", nil, "path this worker owns (repeatable)")
	spawnCmd.Flags().StringArray("off-limits", nil, "path this worker must not touch (repeatable)")
	_ = spawnCmd.MarkFlagRequired("id")
	_ = spawnCmd.MarkFlagRequired("repo")
	_ = spawnCmd.MarkFlagRequired("task")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		path := "/workers"
		if all {
			path += "?all=true"
		}
		resp, err := call(http.MethodGet, path, nil)
		if err != nil {
			fail(err)
		}
		var workers []map[string]any
		if err := decodeOrError(resp, &workers); err != nil {
			fail(err)
		}
		printJSON(workers)
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("all", false, "include terminal workers")
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a worker's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(http.MethodGet, "/workers/"+args[0], nil)
		if err != nil {
			fail(err)
		}
		var worker map[string]any
		if err := decodeOrError(resp, &worker); err != nil {
			fail(err)
		}
		printJSON(worker)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <text>",
	Short: "Send text to a worker's stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(http.MethodPost, "/workers/"+args[0]+"/send", map[string]string{"text": args[1]})
		if err != nil {
			fail(err)
		}
		if err := decodeOrError(resp, nil); err != nil {
			fail(err)
		}
		fmt.Println("sent")
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Read a worker's recent output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		resp, err := call(http.MethodGet, fmt.Sprintf("/workers/%s/output?n=%d", args[0], n), nil)
		if err != nil {
			fail(err)
		}
		var body struct {
			Lines []string `json:"lines"`
		}
		if err := decodeOrError(resp, &body); err != nil {
			fail(err)
		}
		for _, line := range body.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	readCmd.Flags().Int("lines", 100, "number of recent lines to read")
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(http.MethodPost, "/workers/"+args[0]+"/stop", nil)
		if err != nil {
			fail(err)
		}
		if err := decodeOrError(resp, nil); err != nil {
			fail(err)
		}
		fmt.Println("stopped")
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <id>",
	Short: "Force-merge a worker's pull request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(http.MethodPost, "/workers/"+args[0]+"/merge", nil)
		if err != nil {
			fail(err)
		}
		if err := decodeOrError(resp, nil); err != nil {
			fail(err)
		}
		fmt.Println("merging")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [id]",
	Short: "Remove a cleanup-eligible worker, or all of them if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp *http.Response
		var err error
		if len(args) == 1 {
			resp, err = call(http.MethodPost, "/workers/"+args[0]+"/cleanup", nil)
		} else {
			resp, err = call(http.MethodPost, "/cleanup", nil)
		}
		if err != nil {
			fail(err)
		}
		var body struct {
			Removed []string `json:"removed"`
		}
		if err := decodeOrError(resp, &body); err != nil {
			fail(err)
		}
		printJSON(body.Removed)
		return nil
	},
}
