package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteLifecycle(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	err := w.WriteLifecycle(context.Background(), &LifecycleRecord{
		TaskID:     "T1_abcd1234",
		TerminalID: "T1",
		Event:      "result",
		Status:     "COMPLETED",
		Applied:    true,
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeLifecycle, record.Type)
	assert.Equal(t, "node-1", record.Instance)
	assert.Equal(t, fixed, record.TS)

	var data LifecycleRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "T1_abcd1234", data.TaskID)
	assert.Equal(t, "T1", data.TerminalID)
	assert.Equal(t, "COMPLETED", data.Status)
	assert.True(t, data.Applied)
	assert.NotContains(t, string(record.Data), "detail")
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Tasks:       map[string]int{"COMPLETED": 3, "PENDING": 1},
		Queued:      1,
		Connections: 2,
		Uptime:      90 * time.Second,
		UptimeHuman: "1m30s",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 3, data.Tasks["COMPLETED"])
	assert.Equal(t, 90*time.Second, data.Uptime)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")

	require.NoError(t, w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "a", Event: "accept"}))
	require.NoError(t, w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "b", Event: "timeout"}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")

	require.NoError(t, w.Close())

	err := w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "t", Event: "result"})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteLifecycle(ctx, &LifecycleRecord{TaskID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "node-1")

	err := w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "a"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 7}
	w := NewJSONLWriter(sw, "node-1")

	require.NoError(t, w.WriteLifecycle(context.Background(), &LifecycleRecord{
		TaskID: "T1_abcd1234", Event: "failure", Status: "FAILED", Detail: `{"error":"boom"}`,
	}))

	var record Record
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(sw.buf.Bytes()), &record))
	assert.Equal(t, TypeLifecycle, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "node-1")

	err := w.WriteLifecycle(context.Background(), &LifecycleRecord{TaskID: "a"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "eventlog: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write([]byte) (int, error) {
	return 0, f.err
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > sw.bytesPerWrite {
		p = p[:sw.bytesPerWrite]
	}
	return sw.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write([]byte) (int, error) {
	return 0, nil
}
