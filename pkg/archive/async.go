package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/task"
)

// Sink is anything that can archive a finalized result.
type Sink interface {
	Archive(ctx context.Context, t task.Task, r task.Result) error
}

// AsyncConfig configures an Async archiver.
type AsyncConfig struct {
	// Workers is the number of upload goroutines. Defaults to 2.
	Workers int

	// QueueSize bounds pending uploads. Defaults to 256.
	QueueSize int

	// UploadTimeout bounds each upload. Defaults to 30s.
	UploadTimeout time.Duration
}

type job struct {
	task   task.Task
	result task.Result
}

// Async moves uploads off the caller's goroutine. When the queue is full the
// result is dropped with ErrQueueFull rather than blocking finalization.
type Async struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts cfg.Workers upload goroutines in front of sink.
func NewAsync(sink Sink, cfg AsyncConfig, logger *zap.Logger) *Async {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Async{
		sink:    sink,
		timeout: cfg.UploadTimeout,
		logger:  logger,
		jobs:    make(chan job, cfg.QueueSize),
	}
	a.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go a.run()
	}
	return a
}

// Archive enqueues the upload and returns immediately.
func (a *Async) Archive(_ context.Context, t task.Task, r task.Result) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.jobs <- job{task: t, result: r}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting results and waits for queued uploads to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Async) run() {
	defer a.wg.Done()
	for j := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.sink.Archive(ctx, j.task, j.result)
		cancel()
		if err != nil {
			a.logger.Warn("Result upload failed", zap.String("task_id", j.task.ID), zap.Error(err))
			continue
		}
		a.logger.Debug("Result archived", zap.String("task_id", j.task.ID))
	}
}
