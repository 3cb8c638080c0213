package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs journal records.
//
// Implementations must be safe for concurrent use. Each Write* method
// emits a complete record as a single line of JSON followed by a newline.
type Writer interface {
	// WriteLifecycle emits a task lifecycle record.
	WriteLifecycle(ctx context.Context, rec *LifecycleRecord) error

	// WriteSummary emits a shutdown summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close marks the writer closed.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w        io.Writer
	instance string
	now      func() time.Time
	mu       sync.Mutex

	closed bool
}

// NewJSONLWriter creates a JSONL journal writing to w.
//
// instance is stamped on every envelope so journals from several
// coordinators can be merged.
func NewJSONLWriter(w io.Writer, instance string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		instance: instance,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WriteLifecycle emits a lifecycle record.
func (jw *JSONLWriter) WriteLifecycle(ctx context.Context, rec *LifecycleRecord) error {
	return jw.writeRecord(ctx, TypeLifecycle, rec)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// The underlying writer is NOT closed; it belongs to the caller.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recordBytes, err := json.Marshal(Record{
		Type:     recordType,
		TS:       jw.now(),
		Instance: jw.instance,
		Data:     dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the journal.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
