package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	spanattr "github.com/stacklok/socrata-cache/internal/otel"
)

type recorded struct {
	spans  *tracetest.InMemoryExporter
	reader *sdkmetric.ManualReader
}

func newRecordingTelemetry(t *testing.T) (*Telemetry, recorded) {
	t.Helper()

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel := &Telemetry{
		tracerProvider: tp,
		meterProvider:  mp,
		shutdowns:      []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, recorded{spans: spans, reader: reader}
}

// datasetsRouter mirrors the mount layout of the API server
func datasetsRouter(inst *APIInstrumentation, status int) http.Handler {
	datasets := chi.NewRouter()
	datasets.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) })
	datasets.Get("/{datasetId}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) })

	r := chi.NewRouter()
	r.Use(inst.Middleware)
	r.Mount("/api/datasets", datasets)
	return r
}

// requestCounts sums socrata_cache_http_requests_total by route and status filter
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "socrata_cache_http_requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value("route")
				code, _ := dp.Attributes.Value("status_code")
				filter, _ := dp.Attributes.Value("status_filter")
				counts[route.AsString()+" "+code.AsString()+" "+filter.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestAPIInstrumentation_NilPassesThrough(t *testing.T) {
	t.Parallel()

	var inst *APIInstrumentation
	wrapped := inst.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestAPIInstrumentation_NoOpTelemetry(t *testing.T) {
	t.Parallel()

	tel, err := New(context.Background(), nil)
	require.NoError(t, err)
	inst, err := NewAPIInstrumentation(tel)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	datasetsRouter(inst, http.StatusOK).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/datasets/abc", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	_, isNoOp := tel.TracerProvider().(tracenoop.TracerProvider)
	assert.True(t, isNoOp)
}

func TestAPIInstrumentation_Spans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		target       string
		status       int
		wantName     string
		wantCode     codes.Code
		wantFilter   string
		wantDataset  string
		wantResource string
	}{
		{
			name:        "dataset lookup",
			target:      "/api/datasets/42",
			status:      http.StatusOK,
			wantName:    "GET /api/datasets/{datasetId}",
			wantCode:    codes.Unset,
			wantFilter:  "none",
			wantDataset: "42",
		},
		{
			name:         "filtered listing",
			target:       "/api/datasets/?resourceId=crimes&status=Downloaded&status=pending",
			status:       http.StatusOK,
			wantName:     "GET /api/datasets",
			wantCode:     codes.Unset,
			wantFilter:   "downloaded,pending",
			wantResource: "crimes",
		},
		{
			name:       "store failure",
			target:     "/api/datasets/",
			status:     http.StatusInternalServerError,
			wantName:   "GET /api/datasets",
			wantCode:   codes.Error,
			wantFilter: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tel, rec := newRecordingTelemetry(t)
			inst, err := NewAPIInstrumentation(tel)
			require.NoError(t, err)

			datasetsRouter(inst, tt.status).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.target, nil))

			spans := rec.spans.GetSpans()
			require.Len(t, spans, 1)
			span := spans[0]
			assert.Equal(t, tt.wantName, span.Name)
			assert.Equal(t, tt.wantCode, span.Status.Code)

			attrs := map[string]string{}
			for _, kv := range span.Attributes {
				attrs[string(kv.Key)] = kv.Value.Emit()
			}
			assert.Equal(t, tt.wantFilter, attrs["api.status_filter"])
			assert.Equal(t, tt.wantDataset, attrs[string(spanattr.AttrDatasetID)])
			assert.Equal(t, tt.wantResource, attrs[string(spanattr.AttrResourceID)])
		})
	}
}

func TestAPIInstrumentation_RequestMetrics(t *testing.T) {
	t.Parallel()

	tel, rec := newRecordingTelemetry(t)
	inst, err := NewAPIInstrumentation(tel)
	require.NoError(t, err)
	router := datasetsRouter(inst, http.StatusOK)

	for _, target := range []string{
		"/api/datasets/",
		"/api/datasets/?status=downloaded",
		"/api/datasets/?status=DOWNLOADED",
		"/api/datasets/?status=downloaded&status=downloaded",
		"/api/datasets/?status=bogus",
		"/api/datasets/a",
		"/api/datasets/b",
		"/nowhere",
	} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	// the listing is mounted at "/" so chi trims its pattern to /api/datasets
	assert.Equal(t, map[string]int64{
		"/api/datasets 200 none":             1,
		"/api/datasets 200 downloaded":       3,
		"/api/datasets 200 invalid":          1,
		"/api/datasets/{datasetId} 200 none": 2,
		"unknown_route 404 none":             1,
	}, requestCounts(t, rec.reader))
}
