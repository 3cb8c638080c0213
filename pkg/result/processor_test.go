package result

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godispatch/pkg/eventlog"
	"github.com/3leaps/godispatch/pkg/protocol"
	"github.com/3leaps/godispatch/pkg/store"
	"github.com/3leaps/godispatch/pkg/task"
)

type fakeReleaser struct {
	mu        sync.Mutex
	load      map[string]int
	finalized []string
}

func (f *fakeReleaser) OnTaskCompleted(terminalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.load[terminalID] > 0 {
		f.load[terminalID]--
	}
}

func (f *fakeReleaser) Finalized(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, taskID)
}

func (f *fakeReleaser) loadOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load[id]
}

type fakeArchiver struct {
	archived []task.Result
	err      error
}

func (f *fakeArchiver) Archive(_ context.Context, _ task.Task, r task.Result) error {
	f.archived = append(f.archived, r)
	return f.err
}

type fakeJournal struct {
	records []eventlog.LifecycleRecord
}

func (f *fakeJournal) WriteLifecycle(_ context.Context, rec *eventlog.LifecycleRecord) error {
	f.records = append(f.records, *rec)
	return nil
}

type fixture struct {
	proc     *Processor
	tasks    *task.Store
	releaser *fakeReleaser
	archiver *fakeArchiver
	journal  *fakeJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	f := &fixture{
		tasks:    task.NewStore(db),
		releaser: &fakeReleaser{load: map[string]int{}},
		archiver: &fakeArchiver{},
		journal:  &fakeJournal{},
	}
	f.proc = NewProcessor(f.tasks, f.releaser, WithArchiver(f.archiver), WithJournal(f.journal))
	return f
}

// delivered creates a task and binds it to terminalID as the scheduler would.
func (f *fixture) delivered(t *testing.T, terminalID string) string {
	t.Helper()
	ctx := context.Background()
	tk, err := f.tasks.Create(ctx, json.RawMessage(`{"x":1}`), task.PriorityHigh)
	require.NoError(t, err)
	applied, err := f.tasks.Transition(ctx, tk.ID, task.StatusDelivered, terminalID)
	require.NoError(t, err)
	require.True(t, applied)
	f.releaser.mu.Lock()
	f.releaser.load[terminalID]++
	f.releaser.mu.Unlock()
	return tk.ID
}

func TestProcessResultUnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.ProcessResult(context.Background(), "missing", json.RawMessage(`{}`))
	assert.True(t, IsUnknownTask(err))
	assert.Empty(t, f.journal.records)
}

func TestProcessResultCompletesAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")
	assert.Equal(t, 1, f.releaser.loadOf("T1"))

	out, err := f.proc.ProcessResult(ctx, id, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, "T1", out.TerminalID)

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.NotNil(t, tk.CompletedAt)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))

	assert.Equal(t, 0, f.releaser.loadOf("T1"))
	assert.Equal(t, []string{id}, f.releaser.finalized)
	require.Len(t, f.archiver.archived, 1)

	isFinal, err := f.proc.IsTerminalOutcome(ctx, id)
	require.NoError(t, err)
	assert.True(t, isFinal)
}

func TestProcessResultWithoutDataStillStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	_, err := f.proc.ProcessResult(ctx, id, nil)
	require.NoError(t, err)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, res.Status)
}

func TestReuploadReplacesDataKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	_, err := f.proc.ProcessResult(ctx, id, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	out, err := f.proc.ProcessResult(ctx, id, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, task.StatusCompleted, out.Status)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(res.Data))

	// Load is released only once.
	assert.Equal(t, 0, f.releaser.loadOf("T1"))
	assert.Len(t, f.releaser.finalized, 1)
	assert.Len(t, f.archiver.archived, 1)
}

func TestResultForQueuedTaskIsNotStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, err := f.tasks.Create(ctx, json.RawMessage(`{"x":1}`), task.PriorityLow)
	require.NoError(t, err)

	out, err := f.proc.ProcessResult(ctx, tk.ID, json.RawMessage(`{"early":true}`))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, task.StatusPending, out.Status)

	_, err = f.tasks.GetResult(ctx, tk.ID)
	assert.True(t, task.IsNotReady(err))
	assert.Empty(t, f.archiver.archived)
	assert.Empty(t, f.releaser.finalized)
}

func TestLateResultAfterTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	require.NoError(t, f.proc.ProcessTimeout(ctx, id))
	assert.Equal(t, 0, f.releaser.loadOf("T1"))

	out, err := f.proc.ProcessResult(ctx, id, json.RawMessage(`{"late":true}`))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, task.StatusTimeout, out.Status)

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTimeout, tk.Status)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"late":true}`, string(res.Data))
}

func TestTimeoutAfterResultIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	_, err := f.proc.ProcessResult(ctx, id, json.RawMessage(`1`))
	require.NoError(t, err)
	require.NoError(t, f.proc.ProcessTimeout(ctx, id))

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Len(t, f.releaser.finalized, 1)
}

func TestProcessFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	out, err := f.proc.ProcessFailure(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, out.Status)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Unknown error"}`, string(res.Data))
	assert.Equal(t, task.StatusFailed, res.Status)

	require.NotEmpty(t, f.journal.records)
	last := f.journal.records[len(f.journal.records)-1]
	assert.Equal(t, "failure", last.Event)
	assert.Contains(t, last.Detail, "Unknown error")
}

func TestProcessAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	out, err := f.proc.ProcessAccept(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, task.StatusProcessing, out.Status)

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, tk.StartedAt)

	again, err := f.proc.ProcessAccept(ctx, id)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, task.StatusProcessing, again.Status)

	// Accept does not release load.
	assert.Equal(t, 1, f.releaser.loadOf("T1"))
}

func TestHandleTaskEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	require.NoError(t, f.proc.HandleTaskEvent(ctx, "T1", protocol.TaskAccept{TaskID: id}))
	require.NoError(t, f.proc.HandleTaskEvent(ctx, "T1", protocol.TaskResult{TaskID: id, Result: json.RawMessage(`{"done":1}`)}))

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)

	events := make([]string, 0, len(f.journal.records))
	for _, r := range f.journal.records {
		events = append(events, r.Event)
	}
	assert.Equal(t, []string{"accept", "result"}, events)
}

func TestHandleTaskEventFailureMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	err := f.proc.HandleTaskEvent(ctx, "T1", protocol.TaskFailure{TaskID: id, Error: json.RawMessage(`{"message":"disk full"}`)})
	require.NoError(t, err)

	res, err := f.tasks.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"disk full"}`, string(res.Data))
}

func TestHandleTaskEventWrongTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.delivered(t, "T1")

	err := f.proc.HandleTaskEvent(ctx, "T2", protocol.TaskResult{TaskID: id, Result: json.RawMessage(`1`)})
	assert.True(t, errors.Is(err, ErrWrongTerminal))

	tk, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, tk.Status)
}

func TestHandleTaskEventRejectsOtherKinds(t *testing.T) {
	f := newFixture(t)
	err := f.proc.HandleTaskEvent(context.Background(), "T1", protocol.Heartbeat{})
	assert.Error(t, err)
}

func TestArchiveFailureDoesNotFailResult(t *testing.T) {
	f := newFixture(t)
	f.archiver.err = errors.New("bucket unavailable")
	id := f.delivered(t, "T1")

	out, err := f.proc.ProcessResult(context.Background(), id, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, out.Applied)
}
