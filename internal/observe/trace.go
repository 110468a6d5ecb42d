package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/echonote"

// Tracer returns the echonote tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must end it, usually through [EndSpan].
// The caller's user id, when known, is attached as enduser.id.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name, opts...)
	if u := UserFrom(ctx); u != "" {
		span.SetAttributes(attribute.String("enduser.id", u))
	}
	return ctx, span
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Clients receive it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// ---- request scope ----

type scopeKey struct{}

// scope is shared by everything handling one request. The user id is
// filled in by authentication, which runs after [Middleware] derived ctx, so
// the access log reads it back through the pointer.
type scope struct {
	mu   sync.Mutex
	user string
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// WithUser records the authenticated user for logs and spans. Inside a
// [Middleware] request the id is stored on the shared request scope, so the
// returned ctx may be ctx itself.
func WithUser(ctx context.Context, userID string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("enduser.id", userID))
	if s := scopeFrom(ctx); s != nil {
		s.mu.Lock()
		s.user = userID
		s.mu.Unlock()
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, &scope{user: userID})
}

// UserFrom returns the user recorded by [WithUser], or "".
func UserFrom(ctx context.Context) string {
	s := scopeFrom(ctx)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Logger returns the default logger annotated with the trace_id and span_id
// of the span in ctx and the user recorded by [WithUser].
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if u := UserFrom(ctx); u != "" {
		attrs = append(attrs, slog.String("user", u))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
