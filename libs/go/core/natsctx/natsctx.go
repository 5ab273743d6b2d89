// Package natsctx carries W3C trace context across NATS message headers.
package natsctx

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// Publish injects traceparent into headers and publishes.
func Publish(ctx context.Context, nc Conn, subject string, data []byte) error {
	return nc.PublishMsg(NewMsg(ctx, subject, data))
}

// PublishJSON marshals v and publishes it with trace headers.
func PublishJSON(ctx context.Context, nc Conn, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return Publish(ctx, nc, subject, data)
}

// NewMsg builds a message whose header carries the span context of ctx.
func NewMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	msg.Header.Set("Content-Type", "application/json")
	return msg
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message, starting a child span.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := otel.Tracer("swarm-carver-nats").Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
