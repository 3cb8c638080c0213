package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/pkg/scheduler"
	"github.com/3leaps/godispatch/pkg/task"
)

func TestDefaultResponderWritesEnvelope(t *testing.T) {
	ResetHTTPErrorResponder()

	tests := []struct {
		name     string
		err      error
		wantCode string
		status   int
	}{
		{"unknown task", fmt.Errorf("T1_x: %w", task.ErrNotFound), apperrors.CodeNotFound, http.StatusNotFound},
		{"result pending", task.ErrNotReady, apperrors.CodeNotReady, http.StatusNotFound},
		{"queue full", scheduler.ErrQueueFull, apperrors.CodeServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/task/status/T1_x", nil)
			req.Header.Set(apperrors.RequestIDHeader, "req-7")
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, "req-7", body.Error.RequestID)
		})
	}
}

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/task/submit", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, scheduler.ErrQueueFull)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, captured, scheduler.ErrQueueFull)

	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, req, scheduler.ErrQueueFull)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "nil restores the envelope responder")
}
