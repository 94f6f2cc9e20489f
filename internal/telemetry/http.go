package telemetry

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/socrata-cache/internal/dataset"
	spanattr "github.com/stacklok/socrata-cache/internal/otel"
)

const (
	// APIInstrumentationName names the tracer and meter of the dataset API
	APIInstrumentationName = "github.com/stacklok/socrata-cache/api"

	unknownRoute = "unknown_route"
	noFilter     = "none"
	badFilter    = "invalid"
)

// APIInstrumentation traces and measures requests to the dataset API
type APIInstrumentation struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	duration metric.Float64Histogram
	requests metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewAPIInstrumentation creates the API tracer and instruments from t
func NewAPIInstrumentation(t *Telemetry) (*APIInstrumentation, error) {
	meter := t.MeterProvider().Meter(APIInstrumentationName)

	duration, err := meter.Float64Histogram(
		"socrata_cache_http_request_duration_seconds",
		metric.WithDescription("Duration of dataset API requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter(
		"socrata_cache_http_requests_total",
		metric.WithDescription("Dataset API requests by route, response code and status filter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"socrata_cache_http_active_requests",
		metric.WithDescription("Dataset API requests being served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &APIInstrumentation{
		tracer:     t.TracerProvider().Tracer(APIInstrumentationName),
		propagator: otel.GetTextMapPropagator(),
		duration:   duration,
		requests:   requests,
		inFlight:   inFlight,
	}, nil
}

// Middleware wraps next in a server span and records request metrics. A nil
// receiver passes requests through.
func (a *APIInstrumentation) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := a.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := a.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		a.inFlight.Add(ctx, 1)
		next.ServeHTTP(ww, r.WithContext(ctx))
		a.inFlight.Add(ctx, -1)

		// chi fills the shared route context while routing
		route := routePattern(r)
		code := ww.Status()
		filter := statusFilter(r)

		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(code),
			attribute.String("api.status_filter", filter),
		)
		span.SetAttributes(datasetAttributes(r)...)
		if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.String("status_code", strconv.Itoa(code)),
			attribute.String("status_filter", filter),
		)
		a.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		a.requests.Add(ctx, 1, attrs)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}

// statusFilter renders the dataset statuses a request filtered on as a sorted
// comma separated list. Only known statuses appear so the label stays bounded.
func statusFilter(r *http.Request) string {
	raw := r.URL.Query()["status"]
	if len(raw) == 0 {
		return noFilter
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		st, err := dataset.ParseStatus(v)
		if err != nil {
			return badFilter
		}
		names = append(names, st.String())
	}
	slices.Sort(names)
	return strings.Join(slices.Compact(names), ",")
}

// datasetAttributes carries the requested dataset id and resource filter on
// the span; they are too unbounded for metric labels.
func datasetAttributes(r *http.Request) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if id := rctx.URLParam("datasetId"); id != "" {
			attrs = append(attrs, spanattr.AttrDatasetID.String(id))
		}
	}
	if resourceID := r.URL.Query().Get("resourceId"); resourceID != "" {
		attrs = append(attrs, spanattr.AttrResourceID.String(resourceID))
	}
	return attrs
}
