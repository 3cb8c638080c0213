package errors

import (
	"context"
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/internal/observability"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the error object inside HTTPErrorResponse.
type HTTPError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Envelope converts e to a gofulmen error envelope. Only scalar details go
// into the envelope context; RespondWithError writes the full Details map.
func (e *AppError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if scalars := scalarDetails(e.Details); len(scalars) > 0 {
		withCtx, err := env.WithContext(scalars)
		if err != nil {
			observability.ServerLogger.Warn("Error context rejected",
				zap.String("code", e.Code),
				zap.Error(err))
		} else {
			env = withCtx
		}
	}
	return env
}

// scalarDetails returns the entries of details the envelope context accepts.
func scalarDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch v.(type) {
		case string, bool, int, float64, []string:
			out[k] = v
		}
	}
	return out
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := FromDomain(r.Context(), err)
	requestID := RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = r.Header.Get(RequestIDHeader)
	}

	if app.Status >= http.StatusInternalServerError {
		observability.ServerLogger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", app.Code),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	writeBody(w, app.Envelope(requestID), app.Details, app.Status)
}

// WriteEnvelope writes env with the given status. Details come from the
// envelope context.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	writeBody(w, env, env.Context, status)
}

func writeBody(w http.ResponseWriter, env *gferrors.ErrorEnvelope, details map[string]interface{}, status int) {
	body := HTTPErrorResponse{
		Error: HTTPError{
			Code:      env.Code,
			Message:   env.Message,
			Details:   details,
			RequestID: env.CorrelationID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
