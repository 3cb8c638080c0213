package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantMsg  string
	}{
		{
			name: "no panic passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			},
			wantCode: http.StatusAccepted,
		},
		{
			name:     "string panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic("scheduler queue corrupted") },
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: scheduler queue corrupted",
		},
		{
			name:     "error panic",
			handler:  func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: " + assert.AnError.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			require.NotPanics(t, func() {
				rec = serve(Recovery(tt.handler), httptest.NewRequest(http.MethodPost, "/api/task/submit", nil))
			})
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantMsg == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
		})
	}
}

func TestRecoveryRepanicsAbortHandler(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(h, httptest.NewRequest(http.MethodGet, "/ws/kiosk-1", nil))
	})
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	h := RequestID(ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/terminal/kiosk-1/task", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := serve(h, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.Error.RequestID)
}

func TestWriteErrorResponseDetails(t *testing.T) {
	env := errors.NewErrorEnvelope("CONFLICT", "task is bound to another terminal").WithCorrelationID("corr-1")
	env, err := env.WithContext(map[string]interface{}{"task_id": "T1_ab", "terminal_id": "kiosk-2"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	writeErrorResponse(rec, env, http.StatusConflict)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CONFLICT", resp.Error.Code)
	assert.Equal(t, "corr-1", resp.Error.RequestID)
	assert.Equal(t, "T1_ab", resp.Error.Details["task_id"])
	assert.Equal(t, "kiosk-2", resp.Error.Details["terminal_id"])
}
