package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/godispatch/pkg/coordinator"
	"github.com/3leaps/godispatch/pkg/match"
	"github.com/3leaps/godispatch/pkg/terminal"
)

var terminalsCmd = &cobra.Command{
	Use:   "terminals",
	Short: "Manage registered terminals",
	Long: `Manage registered terminals directly in the coordinator database.

These commands share the database file with a running 'godispatch serve'.
Statuses shown are effective statuses: a terminal idle for longer than
terminal.stale_after is reported offline.`,
}

var terminalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List terminals",
	Long: `List terminals, optionally filtered by glob patterns over their IDs.

Examples:
  godispatch terminals list
  godispatch terminals list --online
  godispatch terminals list --glob 'kiosk-*' --exclude 'kiosk-test*'`,
	Args: cobra.NoArgs,
	RunE: runTerminalsList,
}

var terminalsShowCmd = &cobra.Command{
	Use:   "show <terminal-id>",
	Short: "Show one terminal and its recent tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTerminalsShow,
}

var terminalsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a terminal",
	Long: `Register a terminal. Without --id a short random ID is assigned.

Example:
  godispatch terminals register --id kiosk-1 --type kiosk --meta floor=3 --meta zone=east`,
	Args: cobra.NoArgs,
	RunE: runTerminalsRegister,
}

var terminalsSetStatusCmd = &cobra.Command{
	Use:   "set-status <terminal-id> <online|offline|busy>",
	Short: "Set a terminal's persisted status",
	Long: `Set a terminal's persisted status directly in the database.

This is an operator override. It cannot see the sessions held by a running
server, so a terminal set offline here while still connected is skipped by
dispatch until it reconnects. Use PUT /api/terminal/{id}/status against the
server to have live sessions respected.`,
	Args: cobra.ExactArgs(2),
	RunE:  runTerminalsSetStatus,
}

func init() {
	rootCmd.AddCommand(terminalsCmd)
	terminalsCmd.AddCommand(terminalsListCmd, terminalsShowCmd, terminalsRegisterCmd, terminalsSetStatusCmd)

	terminalsListCmd.Flags().StringSlice("glob", nil, "Include IDs matching these patterns")
	terminalsListCmd.Flags().StringSlice("exclude", nil, "Exclude IDs matching these patterns")
	terminalsListCmd.Flags().Bool("online", false, "Only terminals that are online and not stale")
	terminalsListCmd.Flags().Bool("json", false, "Output as JSON")

	terminalsShowCmd.Flags().Int("limit", 10, "Number of recent tasks to show")
	terminalsShowCmd.Flags().Bool("json", false, "Output as JSON")

	terminalsRegisterCmd.Flags().String("id", "", "Terminal ID")
	terminalsRegisterCmd.Flags().String("type", "", "Terminal type (required)")
	terminalsRegisterCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	terminalsRegisterCmd.Flags().Bool("json", false, "Output as JSON")
	_ = terminalsRegisterCmd.MarkFlagRequired("type")
}

// withLocalCoordinator opens the configured database and runs fn against an
// unstarted coordinator: no dispatch loop, no heartbeat sweep.
func withLocalCoordinator(cmd *cobra.Command, fn func(context.Context, *coordinator.Coordinator) error) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	c := coordinator.New(db, coordinator.Config{StaleAfter: cfg.Terminal.StaleAfter})
	defer func() { _ = c.Close(context.Background()) }()
	return fn(ctx, c)
}

func runTerminalsList(cmd *cobra.Command, _ []string) error {
	globs, _ := cmd.Flags().GetStringSlice("glob")
	excludes, _ := cmd.Flags().GetStringSlice("exclude")
	onlineOnly, _ := cmd.Flags().GetBool("online")

	if _, err := match.New(match.Config{Includes: globs, Excludes: excludes}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --glob/--exclude pattern", err)
	}

	return withLocalCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		list, err := c.SelectTerminals(ctx, globs, excludes)
		if err != nil {
			return fmt.Errorf("list terminals: %w", err)
		}
		if onlineOnly {
			list = filterOnline(list)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

		if jsonOutput(cmd) {
			return printJSON(list)
		}
		if len(list) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No terminals found")
			return nil
		}
		return printTerminalTable(list)
	})
}

func filterOnline(list []terminal.Terminal) []terminal.Terminal {
	out := list[:0]
	for _, t := range list {
		if t.Status == terminal.StatusOnline {
			out = append(out, t)
		}
	}
	return out
}

func printTerminalTable(list []terminal.Terminal) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tLAST ACTIVE\tMETADATA")
	for _, t := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.Status, humanize.Time(t.LastActiveAt), formatMetadata(t.Metadata))
	}
	return nil
}

func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}

func runTerminalsShow(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	return withLocalCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		t, err := c.GetTerminal(ctx, args[0])
		if err != nil {
			if terminal.IsNotFound(err) {
				return exitError(foundry.ExitInvalidArgument, "Unknown terminal", err)
			}
			return err
		}
		history, err := c.TerminalHistory(ctx, t.ID, limit)
		if err != nil {
			return err
		}

		if jsonOutput(cmd) {
			return printJSON(struct {
				*terminal.Terminal
				History []terminal.HistoryEntry `json:"history"`
			}{t, history})
		}

		fmt.Printf("ID:           %s\n", t.ID)
		fmt.Printf("Type:         %s\n", t.Type)
		fmt.Printf("Status:       %s\n", t.Status)
		fmt.Printf("Registered:   %s\n", humanize.Time(t.RegisteredAt))
		fmt.Printf("Last active:  %s\n", humanize.Time(t.LastActiveAt))
		fmt.Printf("Metadata:     %s\n", formatMetadata(t.Metadata))
		if len(history) == 0 {
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "TASK\tPRIORITY\tSTATUS\tCREATED")
		for _, h := range history {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.TaskID, h.Priority, h.Status, humanize.Time(h.CreatedAt))
		}
		return nil
	})
}

func runTerminalsRegister(cmd *cobra.Command, _ []string) error {
	id, _ := cmd.Flags().GetString("id")
	typ, _ := cmd.Flags().GetString("type")
	meta, _ := cmd.Flags().GetStringToString("meta")

	return withLocalCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		t, err := c.RegisterTerminal(ctx, terminal.Info{ID: id, Type: typ, Metadata: meta})
		if err != nil {
			if terminal.IsAlreadyRegistered(err) || terminal.IsInvalidInput(err) {
				return exitError(foundry.ExitInvalidArgument, "Cannot register terminal", err)
			}
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(t)
		}
		fmt.Printf("Registered %s (%s)\n", t.ID, t.Type)
		return nil
	})
}

func runTerminalsSetStatus(cmd *cobra.Command, args []string) error {
	return withLocalCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.UpdateTerminalStatus(ctx, args[0], args[1]); err != nil {
			if terminal.IsNotFound(err) || terminal.IsInvalidInput(err) {
				return exitError(foundry.ExitInvalidArgument, "Cannot update terminal status", err)
			}
			return err
		}
		fmt.Printf("%s is now %s\n", args[0], strings.ToLower(args[1]))
		return nil
	})
}
