package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTracingResource(t *testing.T) {
	resource := tracingResource("test-component")
	if resource == nil {
		t.Error("Could not initialize tracing resource. Check the log!")
	}
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := nats.NewMsg("keepalives")
	Inject(ctx, msg)

	assert.NotEmpty(t, NewNatsHeaderCarrier(msg.Header).Get("traceparent"))

	got := trace.SpanContextFromContext(Extract(context.Background(), msg))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}

func TestExtractWithoutHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, &nats.Msg{}))
}

func TestLogRecoverToReturn(t *testing.T) {
	returned := false

	func() {
		defer LogRecoverToReturn(context.Background(), "test")
		panic("boom")
	}()
	returned = true

	assert.True(t, returned)
}

func TestCaptureFatalWithoutSentry(t *testing.T) {
	// no client configured, must not block or panic
	CaptureFatal(errors.New("boom"))
	CaptureFatal(nil)
}
