package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/internal/observability"
	"github.com/3leaps/godispatch/pkg/coordinator"
	"github.com/3leaps/godispatch/pkg/manifest"
	"github.com/3leaps/godispatch/pkg/result"
	"github.com/3leaps/godispatch/pkg/scheduler"
	"github.com/3leaps/godispatch/pkg/task"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Dispatcher is the set of coordinator operations the API serves.
type Dispatcher interface {
	Submit(ctx context.Context, payload json.RawMessage, priority, terminalID string) (*coordinator.Submission, error)
	GetTaskStatus(ctx context.Context, taskID string) (*coordinator.TaskStatus, error)
	GetTaskResult(ctx context.Context, taskID string) (*coordinator.TaskResult, error)
	UploadResult(ctx context.Context, terminalID, taskID string, data json.RawMessage) (*result.Outcome, error)
	ApplyManifest(ctx context.Context, m *manifest.Manifest) (*coordinator.BatchReport, error)

	OnlineTerminals(ctx context.Context) ([]terminal.Terminal, error)
	RegisterTerminal(ctx context.Context, info terminal.Info) (*terminal.Terminal, error)
	GetTerminal(ctx context.Context, id string) (*terminal.Terminal, error)
	SearchTerminals(ctx context.Context, query string) ([]terminal.Terminal, error)
	SelectTerminals(ctx context.Context, includes, excludes []string) ([]terminal.Terminal, error)
	UpdateTerminalStatus(ctx context.Context, id, status string) error
	TerminalHistory(ctx context.Context, id string, limit int) ([]terminal.HistoryEntry, error)
	GetNextTaskForTerminal(ctx context.Context, terminalID string) (scheduler.Item, bool, error)
}

// WSServer upgrades terminal connections.
type WSServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, terminalID string)
}

// API serves the task and terminal endpoints.
type API struct {
	svc          Dispatcher
	ws           WSServer
	maxBodyBytes int64
}

// NewAPI creates the API. ws may be nil to disable the WebSocket endpoint.
func NewAPI(svc Dispatcher, ws WSServer, maxBodyBytes int64) *API {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &API{svc: svc, ws: ws, maxBodyBytes: maxBodyBytes}
}

// Routes registers every endpoint on r.
func (a *API) Routes(r chi.Router) {
	if a.ws != nil {
		r.Get("/ws", a.ServeWS)
		r.Get("/ws/{terminalId}", a.ServeWS)
	}

	r.Route("/api/task", func(r chi.Router) {
		r.Post("/submit", a.SubmitTask)
		r.Post("/batch", a.SubmitBatch)
		r.Get("/status/{taskId}", a.TaskStatus)
		r.Get("/result/{taskId}", a.TaskResult)
	})

	r.Route("/api/terminal", func(r chi.Router) {
		r.Get("/", a.ListTerminals)
		r.Get("/online", a.OnlineTerminals)
		r.Post("/register", a.RegisterTerminal)
		r.Get("/{id}", a.GetTerminal)
		r.Put("/{id}/status", a.UpdateTerminalStatus)
		r.Get("/{id}/task", a.NextTask)
		r.Post("/{id}/task/result", a.UploadTerminalResult)
		r.Get("/{id}/task/history", a.TerminalHistory)
		r.Get("/{id}/task/{taskId}/result", a.TaskResult)
	})
}

// ServeWS upgrades a terminal connection. The terminal id comes from the
// path; the bare /ws endpoint gets a generated id.
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	a.ws.ServeWS(w, r, chi.URLParam(r, "terminalId"))
}

// SubmitResponse is returned by SubmitTask.
type SubmitResponse struct {
	Success    bool          `json:"success"`
	TaskID     string        `json:"taskId"`
	Status     task.Status   `json:"status"`
	Priority   task.Priority `json:"priority"`
	TerminalID string        `json:"terminalId,omitempty"`
	Message    string        `json:"message"`
}

// SubmitTask creates a task from the request body. The optional terminalId
// and priority query parameters target a terminal and select the queue.
func (a *API) SubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q := r.URL.Query()
	ctx, span := observability.StartSpan(r.Context(), "api.submit_task",
		attribute.String("task.priority", q.Get("priority")),
		attribute.String("terminal.id", q.Get("terminalId")))
	defer span.End()

	sub, err := a.svc.Submit(ctx, body, q.Get("priority"), q.Get("terminalId"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		respondWithError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", sub.TaskID), attribute.String("task.status", string(sub.Status)))

	msg := "task queued"
	if sub.Status == task.StatusDelivered {
		msg = "task dispatched"
	}
	writeJSON(w, http.StatusOK, SubmitResponse{
		Success:    true,
		TaskID:     sub.TaskID,
		Status:     sub.Status,
		Priority:   sub.Priority,
		TerminalID: sub.TerminalID,
		Message:    msg,
	})
}

// SubmitBatch applies a batch manifest. YAML bodies are accepted when the
// content type says so; anything else is parsed as JSON.
func (a *API) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	name := "batch.json"
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.Contains(mt, "yaml") {
		name = "batch.yaml"
	}
	m, err := manifest.LoadFromBytes(body, name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	report, err := a.svc.ApplyManifest(r.Context(), m)
	if err != nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), err).WithDetail("report", report))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TaskStatus returns the status of a task.
func (a *API) TaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.GetTaskStatus(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TaskResult returns the stored result of a task.
func (a *API) TaskResult(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.GetTaskResult(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTerminals returns every terminal, those whose id contains ?q=, or
// those matching the ?glob= and ?exclude= patterns (repeatable).
func (a *API) ListTerminals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []terminal.Terminal
		err  error
	)
	if q.Has("glob") || q.Has("exclude") {
		list, err = a.svc.SelectTerminals(r.Context(), q["glob"], q["exclude"])
	} else {
		list, err = a.svc.SearchTerminals(r.Context(), q.Get("q"))
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// OnlineTerminals returns the terminals currently online.
func (a *API) OnlineTerminals(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.OnlineTerminals(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// RegisterResponse is returned by RegisterTerminal.
type RegisterResponse struct {
	Success  bool               `json:"success"`
	Message  string             `json:"message"`
	Terminal *terminal.Terminal `json:"terminal"`
}

// RegisterTerminal registers a terminal from a JSON body.
func (a *API) RegisterTerminal(w http.ResponseWriter, r *http.Request) {
	var info terminal.Info
	if err := a.decode(w, r, &info); err != nil {
		respondWithError(w, r, err)
		return
	}
	t, err := a.svc.RegisterTerminal(r.Context(), info)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Success: true, Message: "terminal registered", Terminal: t})
}

// GetTerminal returns one terminal.
func (a *API) GetTerminal(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.GetTerminal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// StatusUpdate is the body of UpdateTerminalStatus.
type StatusUpdate struct {
	Status string `json:"status"`
}

// AckResponse acknowledges a write.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UpdateTerminalStatus sets a terminal's persisted status.
func (a *API) UpdateTerminalStatus(w http.ResponseWriter, r *http.Request) {
	var body StatusUpdate
	if err := a.decode(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.svc.UpdateTerminalStatus(r.Context(), chi.URLParam(r, "id"), body.Status); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Success: true, Message: "status updated"})
}

// NextTask pops the next task waiting for a terminal, or answers 204.
func (a *API) NextTask(w http.ResponseWriter, r *http.Request) {
	item, ok, err := a.svc.GetNextTaskForTerminal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ResultUpload is the body of UploadTerminalResult.
type ResultUpload struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result"`
}

// UploadTerminalResult records a result reported by a terminal.
func (a *API) UploadTerminalResult(w http.ResponseWriter, r *http.Request) {
	var body ResultUpload
	if err := a.decode(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	terminalID := chi.URLParam(r, "id")
	ctx, span := observability.StartSpan(r.Context(), "api.upload_result",
		attribute.String("task.id", body.TaskID),
		attribute.String("terminal.id", terminalID))
	defer span.End()

	out, err := a.svc.UploadResult(ctx, terminalID, body.TaskID, body.Result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload result")
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TerminalHistory lists the tasks bound to a terminal. ?limit defaults to 10.
func (a *API) TerminalHistory(w http.ResponseWriter, r *http.Request) {
	limit := terminal.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, r, apperrors.NewValidationError("limit must be a positive integer",
				map[string]any{"limit": raw}))
			return
		}
		limit = n
	}
	hist, err := a.svc.TerminalHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &apperrors.AppError{
				Code:    apperrors.CodeValidation,
				Status:  http.StatusRequestEntityTooLarge,
				Message: "request body too large",
				Details: map[string]any{"limit": tooLarge.Limit},
			}
		}
		return nil, apperrors.NewValidationError("cannot read request body", nil)
	}
	return body, nil
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := a.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.NewValidationError("invalid JSON body", map[string]any{"cause": err.Error()})
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
