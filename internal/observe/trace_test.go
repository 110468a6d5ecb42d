package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs a TracerProvider with an in-memory exporter as the
// global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpanWithTraceID(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "pipeline.process")
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex characters", cid)
	}
	for _, c := range cid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("correlation ID contains non-hex character %q", c)
		}
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.process" {
		t.Fatalf("spans = %v, want one named pipeline.process", spans)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, failed := StartSpan(context.Background(), "stt.transcribe")
	EndSpan(failed, errors.New("quota exceeded"))
	_, ok := StartSpan(context.Background(), "llm.complete")
	EndSpan(ok, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "quota exceeded" {
		t.Errorf("failed span status = %+v, want error", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failed span has no error event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("stage finished")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log output missing trace_id, got: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing span_id, got: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("stage finished")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}

func TestWithUser(t *testing.T) {
	exp := useTestTracer(t)
	buf := captureLogs(t)

	if got := UserFrom(context.Background()); got != "" {
		t.Errorf("UserFrom(background) = %q, want empty", got)
	}

	ctx := WithUser(context.Background(), "alice")
	if got := UserFrom(ctx); got != "alice" {
		t.Errorf("UserFrom = %q, want alice", got)
	}
	_, span := StartSpan(ctx, "pipeline.process")
	span.End()
	Logger(ctx).Info("run completed")

	if !strings.Contains(buf.String(), "user=alice") {
		t.Errorf("log output missing user, got: %s", buf.String())
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || !hasAttr(spans[0].Attributes, attribute.String("enduser.id", "alice")) {
		t.Errorf("span not tagged with the user: %+v", spans)
	}
}
