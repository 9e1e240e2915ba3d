package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware instruments every route it wraps: request counter,
// latency histogram, active-request gauge, and a span per request when
// a tracer is configured. Both collaborators may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			method, path := r.Method, r.URL.Path

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), method+" "+path,
					trace.WithAttributes(
						attribute.String("http.method", method),
						attribute.String("http.path", path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			// Handlers that abort write their status before returning; a
			// zero code means nothing reached the wire yet and the
			// framework's error path decides.
			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
				if err != nil {
					code = http.StatusInternalServerError
				}
			}

			metrics.ObserveHTTPRequest(method, path, code, time.Since(start))

			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
			}

			return err
		}
	}
}
