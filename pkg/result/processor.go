// Package result reconciles task outcomes reported by terminals, and
// deadline expiries, with the task store and the scheduler.
//
// Only the first final transition of a task (COMPLETED, FAILED or TIMEOUT)
// changes its status and releases the terminal's load. Later events are
// still stored as result data and journaled, but leave the status alone.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/eventlog"
	"github.com/3leaps/godispatch/pkg/protocol"
	"github.com/3leaps/godispatch/pkg/task"
)

var (
	// ErrUnknownTask indicates an outcome was reported for a task that does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrWrongTerminal indicates a terminal reported on a task bound to another terminal.
	ErrWrongTerminal = errors.New("task is bound to another terminal")
)

// IsUnknownTask returns true if the error indicates the task does not exist.
func IsUnknownTask(err error) bool {
	return errors.Is(err, ErrUnknownTask)
}

// TaskStore is the subset of the task store the processor uses.
type TaskStore interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, terminalID string) (bool, error)
	SaveResult(ctx context.Context, taskID string, data json.RawMessage, status task.Status) (*task.Result, error)
}

// Releaser gives load and deadlines back to the scheduler.
type Releaser interface {
	OnTaskCompleted(terminalID string)
	Finalized(taskID string)
}

// Archiver copies finalized results to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, t task.Task, r task.Result) error
}

// Journal records lifecycle events for audit.
type Journal interface {
	WriteLifecycle(ctx context.Context, rec *eventlog.LifecycleRecord) error
}

// Metrics records counters.
type Metrics interface {
	IncCounter(name string, labels map[string]string, delta float64)
}

// Outcome describes what processing an event did.
type Outcome struct {
	TaskID     string      `json:"taskId"`
	TerminalID string      `json:"terminalId,omitempty"`
	Status     task.Status `json:"status"`

	// Applied is false when the event arrived after the task was already
	// finalized (or, for accept, was no longer DELIVERED).
	Applied bool `json:"applied"`
}

// Processor applies terminal-reported outcomes.
type Processor struct {
	tasks    TaskStore
	releaser Releaser
	archiver Archiver
	journal  Journal
	metrics  Metrics
	logger   *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithArchiver sets the result archiver.
func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// WithJournal sets the lifecycle journal.
func WithJournal(j Journal) Option {
	return func(p *Processor) { p.journal = j }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a Processor.
func NewProcessor(tasks TaskStore, releaser Releaser, opts ...Option) *Processor {
	p := &Processor{
		tasks:    tasks,
		releaser: releaser,
		metrics:  nopMetrics{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessResult records a successful outcome.
func (p *Processor) ProcessResult(ctx context.Context, taskID string, data json.RawMessage) (*Outcome, error) {
	return p.finalize(ctx, taskID, "", task.StatusCompleted, data, "result")
}

// ProcessResultFrom records a result reported by terminalID. Results for
// tasks bound to another terminal are rejected with ErrWrongTerminal.
func (p *Processor) ProcessResultFrom(ctx context.Context, terminalID, taskID string, data json.RawMessage) (*Outcome, error) {
	return p.finalize(ctx, taskID, terminalID, task.StatusCompleted, data, "result")
}

// ProcessFailure records a failed outcome with a human-readable error.
func (p *Processor) ProcessFailure(ctx context.Context, taskID, message string) (*Outcome, error) {
	if message == "" {
		message = "Unknown error"
	}
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return nil, err
	}
	return p.finalize(ctx, taskID, "", task.StatusFailed, data, "failure")
}

// ProcessTimeout finalizes a task whose deadline elapsed.
func (p *Processor) ProcessTimeout(ctx context.Context, taskID string) error {
	out, err := p.finalize(ctx, taskID, "", task.StatusTimeout, nil, "timeout")
	if err != nil {
		return err
	}
	if out.Applied {
		p.logger.Warn("Task timed out", zap.String("task_id", taskID), zap.String("terminal_id", out.TerminalID))
	}
	return nil
}

// ProcessAccept moves a delivered task to PROCESSING.
func (p *Processor) ProcessAccept(ctx context.Context, taskID string) (*Outcome, error) {
	return p.accept(ctx, taskID, "")
}

// IsTerminalOutcome reports whether the task reached COMPLETED, FAILED or TIMEOUT.
func (p *Processor) IsTerminalOutcome(ctx context.Context, taskID string) (bool, error) {
	t, err := p.get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status.IsTerminal(), nil
}

// HandleTaskEvent applies a task frame received from terminalID.
func (p *Processor) HandleTaskEvent(ctx context.Context, terminalID string, msg protocol.Inbound) error {
	var err error
	switch m := msg.(type) {
	case protocol.TaskAccept:
		_, err = p.accept(ctx, m.TaskID, terminalID)
	case protocol.TaskResult:
		_, err = p.ProcessResultFrom(ctx, terminalID, m.TaskID, m.Result)
	case protocol.TaskFailure:
		var data []byte
		data, err = json.Marshal(map[string]string{"error": m.Message()})
		if err == nil {
			_, err = p.finalize(ctx, m.TaskID, terminalID, task.StatusFailed, data, "failure")
		}
	default:
		err = fmt.Errorf("%s is not a task event", msg.Kind())
	}
	return err
}

func (p *Processor) get(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := p.tasks.Get(ctx, taskID)
	if task.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}
	return t, err
}

func (p *Processor) checkOwner(t *task.Task, terminalID string) error {
	if terminalID != "" && t.TerminalID != "" && t.TerminalID != terminalID {
		return fmt.Errorf("%s: %w", t.ID, ErrWrongTerminal)
	}
	return nil
}

func (p *Processor) accept(ctx context.Context, taskID, terminalID string) (*Outcome, error) {
	t, err := p.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := p.checkOwner(t, terminalID); err != nil {
		return nil, err
	}

	applied, err := p.tasks.Transition(ctx, taskID, task.StatusProcessing, "")
	if err != nil {
		return nil, err
	}

	out := &Outcome{TaskID: taskID, TerminalID: t.TerminalID, Status: t.Status, Applied: applied}
	if applied {
		out.Status = task.StatusProcessing
	}
	p.record(ctx, "accept", out, "")
	return out, nil
}

func (p *Processor) finalize(ctx context.Context, taskID, terminalID string, to task.Status, data json.RawMessage, event string) (*Outcome, error) {
	t, err := p.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := p.checkOwner(t, terminalID); err != nil {
		return nil, err
	}

	var res *task.Result
	if t.Status != task.StatusPending && (data != nil || to == task.StatusCompleted) {
		// Stored even when the transition loses, as audit data. A task still
		// queued has no result to audit.
		res, err = p.tasks.SaveResult(ctx, taskID, data, to)
		if err != nil {
			return nil, fmt.Errorf("store result for %s: %w", taskID, err)
		}
	}

	applied, err := p.tasks.Transition(ctx, taskID, to, "")
	if err != nil {
		return nil, err
	}

	out := &Outcome{TaskID: taskID, TerminalID: t.TerminalID, Status: to, Applied: applied}
	if applied {
		if p.releaser != nil {
			p.releaser.Finalized(taskID)
			if t.TerminalID != "" {
				p.releaser.OnTaskCompleted(t.TerminalID)
			}
		}
		p.metrics.IncCounter("godispatch_tasks_finalized_total", map[string]string{"status": string(to)}, 1)
		p.logger.Info("Task finalized",
			zap.String("task_id", taskID),
			zap.String("terminal_id", t.TerminalID),
			zap.String("status", string(to)))
		p.archive(ctx, t, to, res)
	} else {
		current, err := p.tasks.Get(ctx, taskID)
		if err == nil {
			out.Status = current.Status
		}
		p.metrics.IncCounter("godispatch_late_events_total", map[string]string{"event": event}, 1)
		p.logger.Info("Late task event kept for audit",
			zap.String("task_id", taskID),
			zap.String("event", event),
			zap.String("status", string(out.Status)))
	}

	detail := ""
	if to == task.StatusFailed {
		detail = string(data)
	}
	p.record(ctx, event, out, detail)
	return out, nil
}

func (p *Processor) archive(ctx context.Context, t *task.Task, to task.Status, res *task.Result) {
	if p.archiver == nil || res == nil {
		return
	}
	snapshot := *t
	snapshot.Status = to
	if err := p.archiver.Archive(ctx, snapshot, *res); err != nil {
		p.logger.Warn("Result archive failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (p *Processor) record(ctx context.Context, event string, out *Outcome, detail string) {
	if p.journal == nil {
		return
	}
	err := p.journal.WriteLifecycle(ctx, &eventlog.LifecycleRecord{
		TaskID:     out.TaskID,
		TerminalID: out.TerminalID,
		Event:      event,
		Status:     string(out.Status),
		Applied:    out.Applied,
		Detail:     detail,
	})
	if err != nil {
		p.logger.Warn("Lifecycle journal write failed", zap.String("task_id", out.TaskID), zap.Error(err))
	}
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string, float64) {}
