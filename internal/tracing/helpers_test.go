package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	keepGlobals(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

// TestSpanHelpers covers the spans the payment stores and services open.
func TestSpanHelpers(t *testing.T) {
	tests := []struct {
		name      string
		start     func(ctx context.Context) (context.Context, func(error))
		err       error
		wantName  string
		wantKind  trace.SpanKind
		wantAttrs map[string]string
		noAttrs   []string
	}{
		{
			name: "credit transition",
			start: func(ctx context.Context) (context.Context, func(error)) {
				return StartDBSpan(ctx, "payments", DBOperationUpdate)
			},
			wantName: "update payments",
			wantKind: trace.SpanKindClient,
			wantAttrs: map[string]string{
				"db.system": "postgresql", "db.operation": "update", "db.sql.table": "payments",
			},
		},
		{
			name: "webhook event insert fails",
			start: func(ctx context.Context) (context.Context, func(error)) {
				return StartDBSpan(ctx, "stripe_webhook_events", DBOperationInsert)
			},
			err:      errors.New("pq: duplicate key value violates unique constraint"),
			wantName: "insert stripe_webhook_events",
			wantKind: trace.SpanKindClient,
			wantAttrs: map[string]string{
				"db.operation": "insert", "db.sql.table": "stripe_webhook_events",
			},
		},
		{
			name: "statement without table",
			start: func(ctx context.Context) (context.Context, func(error)) {
				return StartDBSpan(ctx, "", DBOperationExec)
			},
			wantName:  "exec",
			wantKind:  trace.SpanKindClient,
			wantAttrs: map[string]string{"db.operation": "exec"},
			noAttrs:   []string{"db.sql.table"},
		},
		{
			name: "idempotency key claim",
			start: func(ctx context.Context) (context.Context, func(error)) {
				return StartRedisSpan(ctx, "SETNX")
			},
			err:       errors.New("dial tcp 127.0.0.1:6379: connection refused"),
			wantName:  "redis SETNX",
			wantKind:  trace.SpanKindClient,
			wantAttrs: map[string]string{"db.system": "redis", "db.operation": "SETNX"},
		},
		{
			name: "reconcile",
			start: func(ctx context.Context) (context.Context, func(error)) {
				return StartSpan(ctx, "payment.reconcile")
			},
			wantName: "payment.reconcile",
			wantKind: trace.SpanKindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := newRecorder(t)

			_, end := tt.start(context.Background())
			end(tt.err)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]

			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != tt.wantKind {
				t.Errorf("span kind = %v, want %v", span.SpanKind(), tt.wantKind)
			}

			attrs := attrMap(span.Attributes())
			for k, want := range tt.wantAttrs {
				if attrs[k] != want {
					t.Errorf("attribute %s = %q, want %q", k, attrs[k], want)
				}
			}
			for _, k := range tt.noAttrs {
				if _, ok := attrs[k]; ok {
					t.Errorf("unexpected attribute %s", k)
				}
			}

			if tt.err == nil {
				if span.Status().Code != codes.Unset {
					t.Errorf("status = %v, want Unset", span.Status().Code)
				}
				return
			}
			if span.Status().Code != codes.Error || span.Status().Description != tt.err.Error() {
				t.Errorf("status = %v %q, want Error %q", span.Status().Code, span.Status().Description, tt.err.Error())
			}
			if len(span.Events()) != 1 || span.Events()[0].Name != "exception" {
				t.Errorf("expected one exception event, got %v", span.Events())
			}
		})
	}
}

// TestStoreSpanNestsUnderService tests that a store span opened from a
// service span's context becomes its child.
func TestStoreSpanNestsUnderService(t *testing.T) {
	recorder := newRecorder(t)

	ctx, endReconcile := StartSpan(context.Background(), "payment.reconcile")
	_, endUpdate := StartDBSpan(ctx, "payments", DBOperationUpdate)
	endUpdate(nil)
	endReconcile(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	update, reconcile := spans[0], spans[1]
	if update.Parent().SpanID() != reconcile.SpanContext().SpanID() {
		t.Errorf("%q parent = %s, want %s", update.Name(), update.Parent().SpanID(), reconcile.SpanContext().SpanID())
	}
	if update.InstrumentationScope().Name != "paybalance/db" {
		t.Errorf("db span scope = %q, want paybalance/db", update.InstrumentationScope().Name)
	}
}

// TestAnnotateCurrentSpan tests AddEvent and SetAttributes the way the
// reconciler records an event and its outcome.
func TestAnnotateCurrentSpan(t *testing.T) {
	recorder := newRecorder(t)

	ctx, end := StartSpan(context.Background(), "payment.reconcile")
	SetAttributes(ctx,
		attribute.String("stripe.event_id", "evt_1"),
		attribute.String("stripe.event_type", "checkout.session.completed"))
	AddEvent(ctx, "reconciled", attribute.String("outcome", "credited"))
	end(nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := attrMap(spans[0].Attributes())
	if attrs["stripe.event_id"] != "evt_1" || attrs["stripe.event_type"] != "checkout.session.completed" {
		t.Errorf("attributes = %v", attrs)
	}

	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "reconciled" {
		t.Fatalf("events = %v, want one reconciled event", events)
	}
	if got := attrMap(events[0].Attributes)["outcome"]; got != "credited" {
		t.Errorf("outcome = %q, want credited", got)
	}
}

// TestAnnotateWithoutSpan tests that annotating a context with no span is a
// no-op.
func TestAnnotateWithoutSpan(t *testing.T) {
	recorder := newRecorder(t)

	ctx := context.Background()
	SetAttributes(ctx, attribute.String("stripe.event_id", "evt_1"))
	AddEvent(ctx, "reconciled")

	if n := len(recorder.Ended()); n != 0 {
		t.Errorf("expected no spans, got %d", n)
	}
}
