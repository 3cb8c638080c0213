// Package coordinator wires the connection registry, terminal directory,
// task store, scheduler and result processor into one service, and exposes
// the request-facing operations used by the HTTP API and the CLI.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/connection"
	"github.com/3leaps/godispatch/pkg/eventlog"
	"github.com/3leaps/godispatch/pkg/result"
	"github.com/3leaps/godispatch/pkg/scheduler"
	"github.com/3leaps/godispatch/pkg/task"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// Metrics records counters and gauges.
type Metrics interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Archiver copies finalized results to long-term storage. Close drains any
// pending uploads.
type Archiver interface {
	result.Archiver
	Close()
}

// Config holds the settings of every wired component.
type Config struct {
	Scheduler  scheduler.Config
	Connection connection.Config
	WebSocket  connection.WSConfig

	// StaleAfter is the terminal liveness threshold. Zero uses
	// terminal.DefaultStaleAfter; negative disables the override.
	StaleAfter time.Duration
}

// Coordinator is the assembled dispatch service.
type Coordinator struct {
	db        *sql.DB
	tasks     *task.Store
	terminals *terminal.Directory
	registry  *connection.Registry
	scheduler *scheduler.Scheduler
	processor *result.Processor
	ws        *connection.WSHandler

	journal  eventlog.Writer
	archiver Archiver
	presence connection.Presence
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
	started  time.Time

	mu     sync.Mutex
	stops  []func()
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithJournal sets the lifecycle journal.
func WithJournal(j eventlog.Writer) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithArchiver sets the result archiver.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithPresence sets the terminal presence mirror.
func WithPresence(p connection.Presence) Option {
	return func(c *Coordinator) { c.presence = p }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New assembles a Coordinator over a migrated database.
func New(db *sql.DB, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:      db,
		metrics: nopMetrics{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()

	stale := cfg.StaleAfter
	if stale == 0 {
		stale = terminal.DefaultStaleAfter
	}

	c.terminals = terminal.NewDirectory(db,
		terminal.WithStalenessPolicy(terminal.StaleAfter(stale)),
		terminal.WithClock(c.now),
		terminal.WithLogger(c.logger.Named("terminal")))
	c.tasks = task.NewStore(db,
		task.WithClock(c.now),
		task.WithLogger(c.logger.Named("task")))

	regOpts := []connection.Option{
		connection.WithClock(c.now),
		connection.WithLogger(c.logger.Named("connection")),
	}
	if c.presence != nil {
		regOpts = append(regOpts, connection.WithPresence(c.presence))
	}
	c.registry = connection.NewRegistry(cfg.Connection, c.terminals, regOpts...)

	c.scheduler = scheduler.New(cfg.Scheduler, c.tasks, c.terminals, c.registry,
		scheduler.WithClock(c.now),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithLogger(c.logger.Named("scheduler")))

	procOpts := []result.Option{
		result.WithMetrics(c.metrics),
		result.WithLogger(c.logger.Named("result")),
	}
	if c.journal != nil {
		procOpts = append(procOpts, result.WithJournal(c.journal))
	}
	if c.archiver != nil {
		procOpts = append(procOpts, result.WithArchiver(c.archiver))
	}
	c.processor = result.NewProcessor(c.tasks, c.scheduler, procOpts...)

	c.registry.SetTaskEvents(c.processor)
	c.scheduler.SetTimeoutHandler(c.processor)
	c.ws = connection.NewWSHandler(c.registry, cfg.WebSocket, c.logger.Named("ws"))

	return c
}

// Start runs the heartbeat sweep and the dispatch loop until ctx is done or
// Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stops = append(c.stops, c.registry.Start(ctx), c.scheduler.Start(ctx))
	c.logger.Info("Coordinator started")
}

// Close stops the loops, closes every session, drains the archiver and
// writes a summary record to the journal. The database, journal and
// presence mirror are owned by the caller.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	queued := c.scheduler.Pending()
	connections := c.registry.Count()
	c.registry.CloseAll()
	c.scheduler.Close()
	if c.archiver != nil {
		c.archiver.Close()
	}

	uptime := c.now().Sub(c.started)
	c.logger.Info("Coordinator stopped",
		zap.Int("queued", queued),
		zap.Int("connections", connections),
		zap.Duration("uptime", uptime))

	if c.journal == nil {
		return nil
	}
	counts, err := c.tasks.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("summarize tasks: %w", err)
	}
	tasks := make(map[string]int, len(counts))
	for s, n := range counts {
		tasks[string(s)] = n
	}
	return c.journal.WriteSummary(ctx, &eventlog.SummaryRecord{
		Tasks:       tasks,
		Queued:      queued,
		Connections: connections,
		Uptime:      uptime,
		UptimeHuman: strings.TrimSpace(humanize.RelTime(c.started, c.started.Add(uptime), "", "")),
	})
}

// Ping verifies the store is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.tasks.Ping(ctx)
}

// WebSocket returns the handler that upgrades terminal connections.
func (c *Coordinator) WebSocket() *connection.WSHandler {
	return c.ws
}

// Tick runs one dispatch pass.
func (c *Coordinator) Tick(ctx context.Context) int {
	return c.scheduler.Tick(ctx)
}

// Load returns the in-flight task count of a terminal.
func (c *Coordinator) Load(terminalID string) int {
	return c.scheduler.Load(terminalID)
}

// QueueLengths returns the number of queued tasks per priority.
func (c *Coordinator) QueueLengths() map[task.Priority]int {
	return c.scheduler.QueueLengths()
}

// Sessions returns the number of open sessions.
func (c *Coordinator) Sessions() int {
	return c.registry.Count()
}

// Processor exposes the result processor.
func (c *Coordinator) Processor() *result.Processor {
	return c.processor
}

func (c *Coordinator) touch(ctx context.Context, terminalID string) {
	if err := c.terminals.Touch(ctx, terminalID); err != nil && !terminal.IsNotFound(err) {
		c.logger.Warn("Terminal touch failed", zap.String("terminal_id", terminalID), zap.Error(err))
	}
}

func rawOrNull(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string, float64) {}
func (nopMetrics) SetGauge(string, map[string]string, float64)   {}
