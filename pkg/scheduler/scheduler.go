// Package scheduler queues tasks by priority and dispatches them to the
// least-loaded online terminal.
//
// A dispatch tick walks the queues strictly high, medium, low. Within a
// tier it keeps dispatching the head item while a terminal can be selected
// and stops the tier at the first head item that finds none, so items in a
// tier always leave in submission order.
//
// The scheduler is the only writer of terminal load. Load is incremented
// once per dispatch and released through OnTaskCompleted when the task's
// first final transition is applied.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/protocol"
	"github.com/3leaps/godispatch/pkg/task"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// ErrQueueFull indicates the queues already hold QueueCapacity items.
var ErrQueueFull = errors.New("task queue is full")

// errNotPending means the task left PENDING before it could be dispatched.
var errNotPending = errors.New("task is no longer pending")

// IsQueueFull returns true if the error indicates the queues are at capacity.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// TaskStore is the subset of the task store the scheduler uses.
type TaskStore interface {
	Create(ctx context.Context, payload json.RawMessage, priority task.Priority) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, terminalID string) (bool, error)
	Discard(ctx context.Context, id string) (bool, error)
}

// Directory answers which terminals are online.
type Directory interface {
	ListOnline(ctx context.Context) ([]terminal.Terminal, error)
	GetStatus(ctx context.Context, id string) (terminal.Status, error)
}

// Sender pushes frames to a terminal's live sessions.
type Sender interface {
	SendTo(ctx context.Context, terminalID string, msg protocol.Outbound) bool
}

// TimeoutHandler is invoked when a dispatched task's deadline elapses.
type TimeoutHandler interface {
	ProcessTimeout(ctx context.Context, taskID string) error
}

// Metrics records counters and gauges.
type Metrics interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Config holds scheduler settings.
type Config struct {
	// TickInterval is the dispatch period.
	TickInterval time.Duration

	// TaskTimeout is the deadline armed at dispatch.
	TaskTimeout time.Duration

	// QueueCapacity bounds the total number of queued items. Zero is unbounded.
	QueueCapacity int

	// MailboxCapacity bounds the per-terminal pull mailbox. When full the
	// oldest entry is dropped.
	MailboxCapacity int
}

const (
	DefaultTickInterval    = time.Second
	DefaultTaskTimeout     = 5 * time.Minute
	DefaultMailboxCapacity = 100
)

// Item is a queued or parked task.
type Item struct {
	TaskID     string          `json:"taskId"`
	Payload    json.RawMessage `json:"data"`
	Priority   task.Priority   `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Scheduler owns the priority queues, terminal load and task deadlines.
type Scheduler struct {
	cfg      Config
	tasks    TaskStore
	dir      Directory
	sender   Sender
	timeouts TimeoutHandler
	metrics  Metrics
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer

	// tickMu keeps ticks from overlapping.
	tickMu sync.Mutex

	mu        sync.Mutex
	queues    map[task.Priority][]Item
	load      map[string]int
	deadlines map[string]*time.Timer
	mailbox   map[string][]Item
	closed    bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for enqueue stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTimeoutHandler sets the deadline handler.
func WithTimeoutHandler(h TimeoutHandler) Option {
	return func(s *Scheduler) { s.timeouts = h }
}

// New creates a Scheduler.
func New(cfg Config, tasks TaskStore, dir Directory, sender Sender, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = DefaultMailboxCapacity
	}

	s := &Scheduler{
		cfg:       cfg,
		tasks:     tasks,
		dir:       dir,
		sender:    sender,
		metrics:   nopMetrics{},
		now:       time.Now,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/3leaps/godispatch/pkg/scheduler"),
		queues:    make(map[task.Priority][]Item, len(task.Priorities)),
		load:      make(map[string]int),
		deadlines: make(map[string]*time.Timer),
		mailbox:   make(map[string][]Item),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTimeoutHandler installs the deadline handler after construction.
func (s *Scheduler) SetTimeoutHandler(h TimeoutHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = h
}

// Submit creates a task and either dispatches it to terminalID directly,
// when that terminal is online, or appends it to its priority queue.
func (s *Scheduler) Submit(ctx context.Context, payload json.RawMessage, priority task.Priority, terminalID string) (*task.Task, error) {
	prio := task.ParsePriority(string(priority))

	direct := false
	if terminalID != "" {
		status, err := s.dir.GetStatus(ctx, terminalID)
		direct = err == nil && status == terminal.StatusOnline
	}

	if !direct && s.cfg.QueueCapacity > 0 && s.Pending() >= s.cfg.QueueCapacity {
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, s.cfg.QueueCapacity)
	}

	t, err := s.tasks.Create(ctx, payload, prio)
	if err != nil {
		return nil, err
	}
	item := Item{TaskID: t.ID, Payload: t.Payload, Priority: prio, EnqueuedAt: s.now()}

	if direct {
		s.mu.Lock()
		s.load[terminalID]++
		s.mu.Unlock()
		if err := s.dispatch(ctx, item, terminalID, "direct"); err == nil {
			t.Status = task.StatusDelivered
			t.TerminalID = terminalID
			return t, nil
		}
		// Fall back to the queue so the task is not stranded.
	}

	s.mu.Lock()
	// Rechecked under the lock; a failed direct dispatch skipped the early check.
	if s.cfg.QueueCapacity > 0 && s.pendingLocked() >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		if _, err := s.tasks.Discard(ctx, t.ID); err != nil {
			s.logger.Warn("Failed to discard unqueued task", zap.String("task_id", t.ID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, s.cfg.QueueCapacity)
	}
	s.queues[prio] = append(s.queues[prio], item)
	s.publishQueueDepthLocked()
	s.mu.Unlock()

	s.logger.Debug("Task queued", zap.String("task_id", t.ID), zap.String("priority", string(prio)))
	return t, nil
}

// Tick runs one dispatch pass and returns the number of dispatched tasks.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	if s.Pending() == 0 {
		return 0
	}

	online, err := s.dir.ListOnline(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list online terminals")
		s.logger.Error("Dispatch tick failed to list online terminals", zap.Error(err))
		return 0
	}

	dispatched := 0
	for _, prio := range task.Priorities {
		for {
			s.mu.Lock()
			q := s.queues[prio]
			if len(q) == 0 {
				s.mu.Unlock()
				break
			}
			head := q[0]
			target := s.selectLocked(online)
			if target == "" {
				// Head-of-line: the rest of this tier waits for the next tick.
				s.mu.Unlock()
				break
			}
			s.queues[prio] = q[1:]
			s.load[target]++
			s.publishQueueDepthLocked()
			s.mu.Unlock()

			err := s.dispatch(ctx, head, target, "queued")
			if errors.Is(err, errNotPending) {
				continue
			}
			if err != nil {
				// Persistence failed; the item keeps its place for the next tick.
				s.mu.Lock()
				s.queues[prio] = append([]Item{head}, s.queues[prio]...)
				s.publishQueueDepthLocked()
				s.mu.Unlock()
				break
			}
			dispatched++
		}
	}

	span.SetAttributes(attribute.Int("dispatched", dispatched))
	return dispatched
}

// selectLocked returns the online terminal with the lowest load, the
// earliest in online order on ties, or "" when none is online.
func (s *Scheduler) selectLocked(online []terminal.Terminal) string {
	best := ""
	bestLoad := 0
	for _, t := range online {
		l := s.load[t.ID]
		if best == "" || l < bestLoad {
			best, bestLoad = t.ID, l
		}
	}
	return best
}

// dispatch binds item to terminalID, whose load the caller already
// incremented. On error the increment is released.
func (s *Scheduler) dispatch(ctx context.Context, item Item, terminalID, mode string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.String("task.priority", string(item.Priority)),
		attribute.String("terminal.id", terminalID),
		attribute.String("dispatch.mode", mode),
	))
	defer span.End()

	applied, err := s.tasks.Transition(ctx, item.TaskID, task.StatusDelivered, terminalID)
	if err != nil || !applied {
		s.release(terminalID)
		if err == nil {
			err = fmt.Errorf("%s: %w", item.TaskID, errNotPending)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition to delivered")
		s.logger.Error("Dispatch failed",
			zap.String("task_id", item.TaskID),
			zap.String("terminal_id", terminalID),
			zap.Error(err))
		return err
	}

	s.armDeadline(item.TaskID)

	sent := s.sender.SendTo(ctx, terminalID, protocol.Task{TaskID: item.TaskID, Data: item.Payload})
	if !sent {
		s.park(terminalID, item)
	}
	span.SetAttributes(attribute.Bool("dispatch.pushed", sent))

	load := s.Load(terminalID)
	s.metrics.SetGauge("godispatch_terminal_load", map[string]string{"terminal_id": terminalID}, float64(load))

	s.metrics.IncCounter("godispatch_tasks_dispatched_total", map[string]string{
		"priority": string(item.Priority),
		"mode":     mode,
	}, 1)
	s.logger.Info("Task dispatched",
		zap.String("task_id", item.TaskID),
		zap.String("terminal_id", terminalID),
		zap.String("priority", string(item.Priority)),
		zap.String("mode", mode),
		zap.Bool("pushed", sent),
		zap.Int("load", load))
	return nil
}

func (s *Scheduler) armDeadline(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.deadlines[taskID]; ok {
		old.Stop()
	}
	s.deadlines[taskID] = time.AfterFunc(s.cfg.TaskTimeout, func() { s.expire(taskID) })
}

func (s *Scheduler) expire(taskID string) {
	s.mu.Lock()
	delete(s.deadlines, taskID)
	h := s.timeouts
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.ProcessTimeout(context.Background(), taskID); err != nil {
		s.logger.Error("Deadline handling failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Scheduler) park(terminalID string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := append(s.mailbox[terminalID], item)
	if over := len(box) - s.cfg.MailboxCapacity; over > 0 {
		for _, dropped := range box[:over] {
			s.logger.Warn("Mailbox full, dropping oldest entry",
				zap.String("terminal_id", terminalID),
				zap.String("task_id", dropped.TaskID))
		}
		s.metrics.IncCounter("godispatch_mailbox_dropped_total", nil, float64(over))
		box = box[over:]
	}
	s.mailbox[terminalID] = box
}

// OnTaskCompleted releases one unit of load for terminalID.
func (s *Scheduler) OnTaskCompleted(terminalID string) {
	s.release(terminalID)
}

func (s *Scheduler) release(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.load[terminalID] > 0 {
		s.load[terminalID]--
	}
	s.metrics.SetGauge("godispatch_terminal_load", map[string]string{"terminal_id": terminalID}, float64(s.load[terminalID]))
}

// Finalized disarms the deadline of a task that reached a final state and
// withdraws it from any pull mailbox.
func (s *Scheduler) Finalized(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.deadlines[taskID]; ok {
		t.Stop()
		delete(s.deadlines, taskID)
	}
	for id, box := range s.mailbox {
		for i, it := range box {
			if it.TaskID == taskID {
				s.mailbox[id] = append(box[:i:i], box[i+1:]...)
				break
			}
		}
	}
}

// NextForTerminal pops the oldest task parked for terminalID.
func (s *Scheduler) NextForTerminal(terminalID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.mailbox[terminalID]
	if len(box) == 0 {
		return Item{}, false
	}
	item := box[0]
	if len(box) == 1 {
		delete(s.mailbox, terminalID)
	} else {
		s.mailbox[terminalID] = box[1:]
	}
	return item, true
}

// Load returns the in-flight count of terminalID.
func (s *Scheduler) Load(terminalID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load[terminalID]
}

// Loads returns a copy of every non-zero load.
func (s *Scheduler) Loads() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.load))
	for id, l := range s.load {
		if l > 0 {
			out[id] = l
		}
	}
	return out
}

// QueueLengths returns the number of queued items per priority.
func (s *Scheduler) QueueLengths() map[task.Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[task.Priority]int, len(task.Priorities))
	for _, p := range task.Priorities {
		out[p] = len(s.queues[p])
	}
	return out
}

// Pending returns the total number of queued items.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler) pendingLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Start runs Tick every TickInterval until ctx is done or the returned stop
// function is called.
func (s *Scheduler) Start(ctx context.Context) func() {
	t := time.NewTicker(s.cfg.TickInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				s.Tick(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}

// Close disarms every pending deadline. Queued items are dropped with the
// process; queues are not durable across restarts.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.deadlines {
		t.Stop()
		delete(s.deadlines, id)
	}
}

func (s *Scheduler) publishQueueDepthLocked() {
	for _, p := range task.Priorities {
		s.metrics.SetGauge("godispatch_queue_depth", map[string]string{"priority": string(p)}, float64(len(s.queues[p])))
	}
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string, float64) {}
func (nopMetrics) SetGauge(string, map[string]string, float64)   {}
