package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// withTracing opens a server span per request. Job-scoped routes carry the job
// id as an attribute so a trace can be matched against the job record and the
// worker's consumer span for the same id.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
		}
		if jobID := jobIDFromPath(r.URL.Path); jobID != "" {
			attrs = append(attrs, attribute.String("job.id", jobID))
		}

		ctx, span := s.tracer.Start(
			r.Context(),
			r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jobIDFromPath extracts the id segment of /v1/jobs/{id}[/...]. The middleware
// runs before mux routing, so the path value is not available yet.
func jobIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/jobs/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
