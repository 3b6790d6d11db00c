package observe

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no registered pattern served, keeping the
// route label bounded when scanners probe random paths.
const unmatchedRoute = "unmatched"

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the operational endpoints (/healthz, /readyz,
// /metrics) served next to a consultation.
//
// Incoming W3C trace context is continued and echoed back along with an
// X-Correlation-ID header. Once the handler returns, the server span is
// renamed to the matched route and the duration is recorded by route and
// status class. Server errors mark the span failed. Probes and scrapes arrive
// every few seconds, so successful requests log at Debug and failures at Warn.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := routeOf(r)
			annotateSpan(span, route, rec.statusCode)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
					attribute.String("status_class", statusClass(rec.statusCode)),
				),
			)

			level := slog.LevelDebug
			if rec.statusCode >= http.StatusBadRequest {
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// routeOf returns the ServeMux pattern that served r, which already carries
// the method (for example "GET /readyz").
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return unmatchedRoute
}

func annotateSpan(span trace.Span, route string, status int) {
	if route != unmatchedRoute {
		span.SetName(route)
		span.SetAttributes(semconv.HTTPRoute(route))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// statusClass folds a status code into "2xx", "4xx" and so on.
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
