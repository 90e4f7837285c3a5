package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("labdaq-test"),
	}, rec
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, attr := range span.Attributes() {
		if attr.Key == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func TestStartRunSpanCarriesRunAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartRunSpan(context.Background(), "run-1", "scan")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "run.execute" {
		t.Errorf("span name = %q, want run.execute", spans[0].Name())
	}
	if got := spanAttr(spans[0], AttrRunUID); got != "run-1" {
		t.Errorf("run.uid = %q, want run-1", got)
	}
	if got := spanAttr(spans[0], AttrPlanName); got != "scan" {
		t.Errorf("plan.name = %q, want scan", got)
	}
}

func TestStartModuleSpanNamesByCommand(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartModuleSpan(context.Background(), "det1", "trigger")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "module.trigger" {
		t.Errorf("span name = %q, want module.trigger", spans[0].Name())
	}
	if got := spanAttr(spans[0], AttrModuleID); got != "det1" {
		t.Errorf("module.id = %q, want det1", got)
	}
}

func TestStartScriptSpanNestsChildSpans(t *testing.T) {
	tracer, rec := newRecordingTracer()

	ctx, script := tracer.StartScriptSpan(context.Background(), "exp.star")
	_, child := tracer.StartRunSpan(ctx, "run-1", "count")
	child.End()
	script.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded spans = %d, want 2", len(spans))
	}
	// Children end first.
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("run span is not a child of the script span")
	}
}

func TestRecordErrorSetsSpanStatus(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), "op")
	RecordError(span, errors.New("no ack"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("no error event recorded")
	}
}

func TestNilTracerIsUsable(t *testing.T) {
	var tracer *Tracer

	ctx, span := tracer.StartRunSpan(context.Background(), "run-1", "count")
	RecordError(span, errors.New("ignored"))
	RecordSuccess(span)
	AddModuleEvent(span, "det1", "event_published", "event 1")
	span.End()

	if ctx == nil {
		t.Fatal("nil ctx from nil tracer")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
