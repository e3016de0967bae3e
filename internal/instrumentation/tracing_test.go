package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanAttributeBuilder(t *testing.T) {
	attrs := NewSpanAttributeBuilder().
		WithTool("list_messages").
		WithAccount("work").
		WithMailbox("INBOX").
		WithReadOnly(true).
		Build()

	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}

	attrMap := make(map[string]interface{})
	for _, attr := range attrs {
		attrMap[string(attr.Key)] = attr.Value.AsInterface()
	}
	if attrMap[SpanAttrTool] != "list_messages" {
		t.Errorf("expected tool 'list_messages', got %v", attrMap[SpanAttrTool])
	}
	if attrMap[SpanAttrAccount] != "work" {
		t.Errorf("expected account 'work', got %v", attrMap[SpanAttrAccount])
	}
	if attrMap[SpanAttrMailbox] != "INBOX" {
		t.Errorf("expected mailbox 'INBOX', got %v", attrMap[SpanAttrMailbox])
	}
	if attrMap[SpanAttrReadOnly] != true {
		t.Errorf("expected read_only true, got %v", attrMap[SpanAttrReadOnly])
	}
}

func TestSpanAttributeBuilder_EmptyValues(t *testing.T) {
	attrs := NewSpanAttributeBuilder().WithAccount("").WithMailbox("").Build()
	if len(attrs) != 0 {
		t.Errorf("expected empty values to be skipped, got %d attributes", len(attrs))
	}
}

func TestStartMailSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartMailSpan(context.Background(), ProtocolIMAP, OperationListMessages)
	if GetTraceID(ctx) == "" || GetSpanID(ctx) == "" {
		t.Error("expected trace and span ids in context")
	}
	SetSpanError(span, errors.New("boom"), "connection_error")
	span.End()

	_, ok := StartToolSpan(context.Background(), "send_message")
	ok.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	if ended[0].Name() != "mail.imap.list_messages" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status().Code)
	}
	if ended[1].Name() != "tool.send_message" {
		t.Errorf("unexpected span name %q", ended[1].Name())
	}
}

func TestTraceIDs_NoSpan(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Error("expected empty trace id without span")
	}
	if GetSpanID(context.Background()) != "" {
		t.Error("expected empty span id without span")
	}
}
