package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/internal/observability"
)

// MetricsHandler serves the Prometheus exporter once telemetry is initialized.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	exporter := observability.PrometheusExporter
	if exporter == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("metrics not enabled", nil))
		return
	}
	exporter.ServeHTTP(w, r)
}
