package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/godispatch/internal/server/handlers"
	"github.com/3leaps/godispatch/pkg/coordinator"
	"github.com/3leaps/godispatch/pkg/manifest"
	"github.com/3leaps/godispatch/pkg/task"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Submit and inspect tasks on a running coordinator",
	Long: `Submit and inspect tasks through a running coordinator's HTTP API.

The server defaults to http://<server.host>:<server.port> from config.`,
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one task",
	Long: `Submit one task. The payload comes from --data (JSON) or --file
(JSON or YAML).

Examples:
  godispatch tasks submit --data '{"op":"print","doc":42}'
  godispatch tasks submit --file job.yaml --priority high --terminal kiosk-1`,
	Args: cobra.NoArgs,
	RunE: runTasksSubmit,
}

var tasksApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register terminals and submit tasks from a batch manifest",
	Long: `Validate a batch manifest locally, then send it to the coordinator.

Example manifest:
  version: "1.0"
  terminals:
    - id: kiosk-1
      type: kiosk
  tasks:
    - data: {op: print}
      priority: high
      terminal: kiosk-1`,
	Args: cobra.NoArgs,
	RunE: runTasksApply,
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksStatus,
}

var tasksResultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Show a task's stored result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksResult,
}

var tasksWaitCmd = &cobra.Command{
	Use:   "wait <task-id>",
	Short: "Poll until a task reaches a final status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksWait,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksSubmitCmd, tasksApplyCmd, tasksStatusCmd, tasksResultCmd, tasksWaitCmd)

	tasksCmd.PersistentFlags().String("server", "", "Coordinator base URL (default from config)")
	tasksCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP request timeout")

	tasksSubmitCmd.Flags().String("data", "", "Task payload as JSON")
	tasksSubmitCmd.Flags().StringP("file", "f", "", "Read the payload from a JSON or YAML file")
	tasksSubmitCmd.Flags().StringP("priority", "p", "medium", "Priority (high|medium|low)")
	tasksSubmitCmd.Flags().StringP("terminal", "t", "", "Dispatch directly to this terminal")
	tasksSubmitCmd.MarkFlagsMutuallyExclusive("data", "file")

	tasksApplyCmd.Flags().StringP("manifest", "m", "", "Path to batch manifest (required)")
	_ = tasksApplyCmd.MarkFlagRequired("manifest")

	tasksWaitCmd.Flags().Duration("interval", time.Second, "Poll interval")
	tasksWaitCmd.Flags().Duration("max-wait", 5*time.Minute, "Give up after this long")

	for _, c := range []*cobra.Command{tasksSubmitCmd, tasksApplyCmd, tasksStatusCmd, tasksResultCmd, tasksWaitCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

func newTasksClient(cmd *cobra.Command) (*apiClient, error) {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if server == "" {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return nil, err
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		server = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	c, err := newAPIClient(server, timeout)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	return c, nil
}

// readPayload returns the task payload from --data or --file.
func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Cannot read payload file", err)
		}
		ext := strings.ToLower(filepath.Ext(file))
		if ext == ".yaml" || ext == ".yml" {
			p, err := manifest.PayloadFromYAML(b)
			if err != nil {
				return nil, exitError(foundry.ExitInvalidArgument, "Invalid YAML payload", err)
			}
			return p, nil
		}
		if !json.Valid(b) {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid JSON payload", errors.New(file))
		}
		return json.RawMessage(b), nil
	case data != "":
		if !json.Valid([]byte(data)) {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --data value", errors.New("not valid JSON"))
		}
		return json.RawMessage(data), nil
	default:
		return json.RawMessage("null"), nil
	}
}

func runTasksSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}
	client, err := newTasksClient(cmd)
	if err != nil {
		return err
	}

	priority, _ := cmd.Flags().GetString("priority")
	terminalID, _ := cmd.Flags().GetString("terminal")
	q := url.Values{}
	q.Set("priority", string(task.ParsePriority(priority)))
	if terminalID != "" {
		q.Set("terminalId", terminalID)
	}

	var resp handlers.SubmitResponse
	if _, err := client.do(ctx, "POST", "/api/task/submit?"+q.Encode(), "application/json", payload, &resp); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Submit failed", err)
	}

	if jsonOutput(cmd) {
		return printJSON(resp)
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", resp.TaskID, resp.Status, resp.Priority, resp.Message)
	return nil
}

func runTasksApply(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("manifest")

	if _, err := manifest.Load(path); err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			for _, m := range verrs.Messages() {
				_, _ = fmt.Fprintln(os.Stderr, "  "+m)
			}
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read manifest", err)
	}

	client, err := newTasksClient(cmd)
	if err != nil {
		return err
	}
	contentType := "application/json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		contentType = "application/yaml"
	}

	var report coordinator.BatchReport
	if _, err := client.do(ctx, "POST", "/api/task/batch", contentType, raw, &report); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Batch apply failed", err)
	}

	if jsonOutput(cmd) {
		return printJSON(report)
	}
	fmt.Printf("Registered %d terminal(s), %d already known\n", len(report.Registered), len(report.Existing))
	for _, s := range report.Submitted {
		fmt.Printf("%s\t%s\t%s\t%s\n", s.TaskID, s.Status, s.Priority, valueOrDefault(s.TerminalID, "-"))
	}
	return nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	client, err := newTasksClient(cmd)
	if err != nil {
		return err
	}
	var st coordinator.TaskStatus
	if _, err := client.do(cmd.Context(), "GET", "/api/task/status/"+url.PathEscape(args[0]), "", nil, &st); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status lookup failed", err)
	}
	if jsonOutput(cmd) {
		return printJSON(st)
	}
	fmt.Printf("%s\t%s\t%s\tupdated %s\n", st.TaskID, st.Status, valueOrDefault(st.TerminalID, "-"),
		st.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runTasksResult(cmd *cobra.Command, args []string) error {
	client, err := newTasksClient(cmd)
	if err != nil {
		return err
	}
	var res coordinator.TaskResult
	if _, err := client.do(cmd.Context(), "GET", "/api/task/result/"+url.PathEscape(args[0]), "", nil, &res); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Result lookup failed", err)
	}
	if jsonOutput(cmd) {
		return printJSON(res)
	}
	fmt.Println(string(res.Result))
	return nil
}

func runTasksWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := newTasksClient(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(maxWait)

	for {
		var st coordinator.TaskStatus
		if _, err := client.do(ctx, "GET", "/api/task/status/"+url.PathEscape(args[0]), "", nil, &st); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Status lookup failed", err)
		}
		if st.Status.IsTerminal() {
			if jsonOutput(cmd) {
				return printJSON(st)
			}
			fmt.Printf("%s\t%s\n", st.TaskID, st.Status)
			return nil
		}
		if time.Now().After(deadline) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Task did not finish in time",
				fmt.Errorf("last status %s", st.Status))
		}
		select {
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "wait cancelled", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// valueOrDefault returns the value or a default if empty.
func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
