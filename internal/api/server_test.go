package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/socrata-cache/internal/api"
	v0 "github.com/stacklok/socrata-cache/internal/api/v0"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/store"
	"github.com/stacklok/socrata-cache/internal/store/mocks"
)

func serve(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	// no expectations: health never touches the store
	server := api.NewServer(mocks.NewMockReader(gomock.NewController(t)))
	rr := serve(t, server, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var response v0.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response.Status)
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		pingErr        error
		expectedStatus int
		expectedBody   string
	}{
		{name: "store ready", expectedStatus: http.StatusOK, expectedBody: "ready"},
		{name: "store down", pingErr: errors.New("connection refused"), expectedStatus: http.StatusServiceUnavailable, expectedBody: "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reader := mocks.NewMockReader(gomock.NewController(t))
			reader.EXPECT().Ping(gomock.Any()).Return(tt.pingErr)

			rr := serve(t, api.NewServer(reader), "/readiness")
			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.expectedBody)
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	rr := serve(t, api.NewServer(mocks.NewMockReader(gomock.NewController(t))), "/version")
	assert.Equal(t, http.StatusOK, rr.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, response, key)
	}
}

func testDatasets() []*dataset.Dataset {
	ref := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	d1 := &dataset.Dataset{ID: "d1", ResourceID: "R1", ReferenceDate: ref, Status: dataset.StatusDownloaded,
		Type: "csv", CreatedAt: created, UpdatedAt: created.Add(time.Minute)}
	d2 := &dataset.Dataset{ID: "d2", ResourceID: "R2", ReferenceDate: ref, Status: dataset.StatusPending,
		Type: "json", CreatedAt: created.Add(time.Hour), UpdatedAt: created.Add(time.Hour)}
	return []*dataset.Dataset{d1, d2}
}

func TestListDatasets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		target     string
		wantOpts   *store.ListOptions
		result     []*dataset.Dataset
		listErr    error
		wantStatus int
		wantIDs    []string
	}{
		{
			name:       "all datasets",
			target:     "/api/datasets",
			wantOpts:   &store.ListOptions{},
			result:     testDatasets(),
			wantStatus: http.StatusOK,
			wantIDs:    []string{"d1", "d2"},
		},
		{
			name:       "filtered by resource and status",
			target:     "/api/datasets?resourceId=R1&status=Downloaded&status=pending",
			wantOpts:   &store.ListOptions{ResourceID: "R1", Statuses: []dataset.Status{dataset.StatusDownloaded, dataset.StatusPending}},
			result:     testDatasets()[:1],
			wantStatus: http.StatusOK,
			wantIDs:    []string{"d1"},
		},
		{
			name:       "empty store renders an empty array",
			target:     "/api/datasets/",
			wantOpts:   &store.ListOptions{},
			wantStatus: http.StatusOK,
			wantIDs:    []string{},
		},
		{
			name:       "unknown status",
			target:     "/api/datasets?status=archived",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store failure",
			target:     "/api/datasets",
			wantOpts:   &store.ListOptions{},
			listErr:    errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reader := mocks.NewMockReader(gomock.NewController(t))
			if tt.wantOpts != nil {
				reader.EXPECT().List(gomock.Any(), *tt.wantOpts).Return(tt.result, tt.listErr)
			}

			rr := serve(t, api.NewServer(reader), tt.target)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantIDs == nil {
				return
			}

			var body []map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			ids := make([]string, 0, len(body))
			for _, d := range body {
				ids = append(ids, fmt.Sprint(d["datasetId"]))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestListDatasets_JSONShape(t *testing.T) {
	t.Parallel()

	reader := mocks.NewMockReader(gomock.NewController(t))
	reader.EXPECT().List(gomock.Any(), gomock.Any()).Return(testDatasets()[:1], nil)

	rr := serve(t, api.NewServer(reader), "/api/datasets")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{
		"datasetId": "d1",
		"resourceId": "R1",
		"referenceDate": "2024-02-01T00:00:00Z",
		"status": "downloaded",
		"type": "csv",
		"createdAt": "2024-03-01T08:00:00Z",
		"updatedAt": "2024-03-01T08:01:00Z"
	}]`, rr.Body.String())
}

func TestGetDataset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		getErr     error
		result     *dataset.Dataset
		wantStatus int
	}{
		{name: "found", result: testDatasets()[0], wantStatus: http.StatusOK},
		{name: "not found", getErr: fmt.Errorf("%w: d1", dataset.ErrNotFound), wantStatus: http.StatusNotFound},
		{name: "store failure", getErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reader := mocks.NewMockReader(gomock.NewController(t))
			reader.EXPECT().Get(gomock.Any(), "d1").Return(tt.result, tt.getErr)

			rr := serve(t, api.NewServer(reader), "/api/datasets/d1")
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reader := mocks.NewMockReader(gomock.NewController(t))

	rr := serve(t, api.NewServer(reader), "/metrics")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP up\n"))
	})
	rr = serve(t, api.NewServer(reader, api.WithMetricsHandler(metrics)), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "# HELP")
}

func TestMiddlewaresAreApplied(t *testing.T) {
	t.Parallel()

	var sawRequestID string
	captureID := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawRequestID = middleware.GetReqID(r.Context())
			next.ServeHTTP(w, r)
		})
	}

	server := api.NewServer(mocks.NewMockReader(gomock.NewController(t)),
		api.WithMiddlewares(middleware.RequestID, captureID, api.LoggingMiddleware))
	rr := serve(t, server, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, sawRequestID)
}
