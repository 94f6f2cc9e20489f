// Package v0 provides the REST API handlers for dataset records.
package v0

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/socrata-cache/internal/api/common"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/store"
)

// Routes serves dataset records from the store
type Routes struct {
	reader store.Reader
}

// NewRoutes creates a new Routes instance reading from reader
func NewRoutes(reader store.Reader) *Routes {
	return &Routes{reader: reader}
}

// DatasetsRouter creates the router mounted at /api/datasets
func DatasetsRouter(reader store.Reader) http.Handler {
	routes := NewRoutes(reader)

	r := chi.NewRouter()
	r.Get("/", routes.listDatasets)
	r.Get("/{datasetId}", routes.getDataset)

	return r
}

// listDatasets handles GET /api/datasets
//
// Query parameters resourceId and status narrow the listing. Records are
// returned oldest first.
func (rr *Routes) listDatasets(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{ResourceID: r.URL.Query().Get("resourceId")}

	for _, raw := range r.URL.Query()["status"] {
		status, err := dataset.ParseStatus(raw)
		if err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Statuses = append(opts.Statuses, status)
	}

	list, err := rr.reader.List(r.Context(), opts)
	if err != nil {
		slog.Error("Failed to list datasets", "error", err)
		common.WriteErrorResponse(w, "Failed to list datasets", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*dataset.Dataset{}
	}

	common.WriteJSONResponse(w, list, http.StatusOK)
}

// getDataset handles GET /api/datasets/{datasetId}
func (rr *Routes) getDataset(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "datasetId")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	d, err := rr.reader.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			common.WriteErrorResponse(w, "Dataset not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get dataset", "dataset_id", id, "error", err)
		common.WriteErrorResponse(w, "Failed to get dataset", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, d, http.StatusOK)
}
