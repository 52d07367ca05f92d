package router

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
)

const (
	// HeaderCorrelationID carries the id that is logged as
	// instrument.CorrelationIDAttribute and copied into published messages.
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID is accepted when HeaderCorrelationID is absent.
	HeaderRequestID = "X-Request-ID"

	maxCorrelationIDLen = 128
)

// NormalizeCorrelationID trims v to at most 128 bytes. Values holding bytes
// outside printable ASCII are rejected, since the id is echoed in a header
// and stored as a message attribute.
func NormalizeCorrelationID(v string) string {
	v = strings.TrimSpace(v)
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7e {
			return ""
		}
	}
	if len(v) > maxCorrelationIDLen {
		v = v[:maxCorrelationIDLen]
	}
	return v
}

// correlationID picks the id of r: the correlation or request id header, then
// the trace id of a W3C traceparent header, then a generated one.
func correlationID(r *http.Request, gen uid.StringID) string {
	for _, h := range []string{HeaderCorrelationID, HeaderRequestID} {
		if cid := NormalizeCorrelationID(r.Header.Get(h)); cid != "" {
			return cid
		}
	}

	ctx := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	if gen != nil {
		return gen.Generate()
	}
	return ""
}

func middlewareCorrelationID(gen uid.StringID) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cid := correlationID(r, gen); cid != "" {
				w.Header().Set(HeaderCorrelationID, cid)
				r = r.WithContext(instrument.SetCorrelationID(r.Context(), cid))
			}
			next.ServeHTTP(w, r)
		})
	}
}
