package v0

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/socrata-cache/internal/api/common"
	"github.com/stacklok/socrata-cache/internal/store"
	"github.com/stacklok/socrata-cache/internal/versions"
)

// HealthRouter creates a router for health check endpoints
func HealthRouter(reader store.Reader) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(reader))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles GET /health
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler handles GET /readiness; the service is ready once the
// record store answers
func readinessHandler(reader store.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reader.Ping(r.Context()); err != nil {
			common.WriteErrorResponse(w, "Dataset store not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

// versionHandler handles GET /version
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.Get(), http.StatusOK)
}
