package tracing

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier is a custom wrapper on top of nats.Headers for otel's TextMapCarrier.
type HeaderCarrier struct {
	headers nats.Header
}

// NewNatsHeaderCarrier creates a new HeaderCarrier.
func NewNatsHeaderCarrier(h nats.Header) *HeaderCarrier {
	return &HeaderCarrier{
		headers: h,
	}
}

func (c *HeaderCarrier) Get(key string) string {
	return c.headers.Get(key)
}

func (c *HeaderCarrier) Set(key, value string) {
	c.headers.Set(key, value)
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for key := range c.headers {
		keys = append(keys, key)
	}
	return keys
}

// Inject writes the span context of ctx into the message headers
func Inject(ctx context.Context, msg *nats.Msg) {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	otel.GetTextMapPropagator().Inject(ctx, NewNatsHeaderCarrier(msg.Header))
}

// Extract returns ctx carrying the span context found in the message
// headers, if any
func Extract(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, NewNatsHeaderCarrier(msg.Header))
}
