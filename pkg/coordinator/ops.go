package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/connection"
	"github.com/3leaps/godispatch/pkg/match"
	"github.com/3leaps/godispatch/pkg/result"
	"github.com/3leaps/godispatch/pkg/scheduler"
	"github.com/3leaps/godispatch/pkg/task"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// Submission is the outcome of Submit.
type Submission struct {
	TaskID     string        `json:"taskId"`
	Priority   task.Priority `json:"priority"`
	Status     task.Status   `json:"status"`
	TerminalID string        `json:"terminalId,omitempty"`
}

// TaskStatus is the status view of a task.
type TaskStatus struct {
	TaskID     string      `json:"taskId"`
	Status     task.Status `json:"status"`
	TerminalID string      `json:"terminalId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// TaskResult is the result view of a task.
type TaskResult struct {
	TaskID      string          `json:"taskId"`
	Status      task.Status     `json:"status"`
	Result      json.RawMessage `json:"result"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Submit creates a task. A task addressed to an online terminal is
// dispatched immediately; otherwise it waits in the queue for priority.
// Unrecognized priorities are treated as medium.
func (c *Coordinator) Submit(ctx context.Context, payload json.RawMessage, priority, terminalID string) (*Submission, error) {
	t, err := c.scheduler.Submit(ctx, payload, task.ParsePriority(priority), strings.TrimSpace(terminalID))
	if err != nil {
		return nil, err
	}
	c.metrics.IncCounter("godispatch_tasks_submitted_total", map[string]string{"priority": string(t.Priority)}, 1)
	return &Submission{
		TaskID:     t.ID,
		Priority:   t.Priority,
		Status:     t.Status,
		TerminalID: t.TerminalID,
	}, nil
}

// GetTask returns a task with its payload.
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return c.tasks.Get(ctx, taskID)
}

// GetTaskStatus returns the lifecycle status of a task, or task.ErrNotFound.
func (c *Coordinator) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		TaskID:     t.ID,
		Status:     t.Status,
		TerminalID: t.TerminalID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}, nil
}

// GetTaskResult returns the stored result of a task. It returns
// task.ErrNotReady while no result has been stored and task.ErrNotFound for
// an unknown task.
func (c *Coordinator) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%s is %s: %w", taskID, t.Status, task.ErrNotReady)
	}
	res, err := c.tasks.GetResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		TaskID:      taskID,
		Status:      t.Status,
		Result:      rawOrNull(res.Data),
		CompletedAt: t.CompletedAt,
	}, nil
}

// UploadResult records a result reported over the request API. When
// terminalID is set, results for tasks bound to another terminal are
// rejected. Uploading twice stores the latest data but never changes a
// status that is already final.
func (c *Coordinator) UploadResult(ctx context.Context, terminalID, taskID string, data json.RawMessage) (*result.Outcome, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, &terminal.ValidationError{Field: "taskId", Reason: "is required"}
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("result: %w", task.ErrInvalidPayload)
	}

	var (
		out *result.Outcome
		err error
	)
	if terminalID == "" {
		out, err = c.processor.ProcessResult(ctx, taskID, data)
	} else {
		c.touch(ctx, terminalID)
		out, err = c.processor.ProcessResultFrom(ctx, terminalID, taskID, data)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOnlineTerminals returns the ids of terminals that are online and not
// stale, most recently active first.
func (c *Coordinator) ListOnlineTerminals(ctx context.Context) ([]string, error) {
	online, err := c.terminals.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(online))
	for _, t := range online {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// OnlineTerminals returns the full records behind ListOnlineTerminals.
func (c *Coordinator) OnlineTerminals(ctx context.Context) ([]terminal.Terminal, error) {
	return c.terminals.ListOnline(ctx)
}

// RegisterTerminal persists a new terminal as online.
func (c *Coordinator) RegisterTerminal(ctx context.Context, info terminal.Info) (*terminal.Terminal, error) {
	t, err := c.terminals.Register(ctx, info)
	if err != nil {
		return nil, err
	}
	c.metrics.IncCounter("godispatch_terminals_registered_total", map[string]string{"type": t.Type}, 1)
	return t, nil
}

// GetTerminal returns one terminal with its effective status.
func (c *Coordinator) GetTerminal(ctx context.Context, id string) (*terminal.Terminal, error) {
	return c.terminals.Get(ctx, id)
}

// SearchTerminals returns terminals whose id contains query. An empty query
// lists every terminal.
func (c *Coordinator) SearchTerminals(ctx context.Context, query string) ([]terminal.Terminal, error) {
	return c.terminals.Search(ctx, query)
}

// SelectTerminals returns terminals whose id matches at least one include
// glob and no exclude glob. No includes selects every terminal.
func (c *Coordinator) SelectTerminals(ctx context.Context, includes, excludes []string) ([]terminal.Terminal, error) {
	m, err := match.New(match.Config{Includes: includes, Excludes: excludes})
	if err != nil {
		return nil, err
	}
	all, err := c.terminals.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]terminal.Terminal, 0, len(all))
	for _, t := range all {
		if m.Match(t.ID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// UpdateTerminalStatus sets the persisted status of a terminal. A terminal
// with live sessions on this coordinator cannot be set offline.
func (c *Coordinator) UpdateTerminalStatus(ctx context.Context, id, status string) error {
	s, err := terminal.ParseStatus(status)
	if err != nil {
		return err
	}
	if s == terminal.StatusOffline && c.registry.Sessions(id) > 0 {
		return fmt.Errorf("%s: %w", id, connection.ErrTerminalConnected)
	}
	return c.terminals.SetStatus(ctx, id, s)
}

// TerminalHistory returns the tasks bound to a terminal, newest first.
func (c *Coordinator) TerminalHistory(ctx context.Context, id string, limit int) ([]terminal.HistoryEntry, error) {
	return c.terminals.History(ctx, id, limit)
}

// GetNextTaskForTerminal pops the oldest task dispatched to terminalID that
// could not be pushed over a live session. ok is false when none is waiting.
func (c *Coordinator) GetNextTaskForTerminal(ctx context.Context, terminalID string) (item scheduler.Item, ok bool, err error) {
	if _, err := c.terminals.Get(ctx, terminalID); err != nil {
		return scheduler.Item{}, false, err
	}
	c.touch(ctx, terminalID)

	item, ok = c.scheduler.NextForTerminal(terminalID)
	if ok {
		c.logger.Debug("Task pulled",
			zap.String("task_id", item.TaskID),
			zap.String("terminal_id", terminalID))
	}
	return item, ok, nil
}
