package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Init(context.Background(), Settings{ServiceName: "kaiwa-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	assert.Equal(t, before, otel.GetTracerProvider(), "tracer provider must not change without an endpoint")
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitWithEndpoint(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	// Exporters connect lazily, so an unreachable collector is not an error here.
	shutdown, err := Init(context.Background(), Settings{Endpoint: "127.0.0.1:1", Insecure: true, Version: "test"})
	require.NoError(t, err)

	_, span := Tracer("kaiwa/test").Start(context.Background(), "check")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	counter, err := Meter("kaiwa/test").Int64Counter("kaiwa.test.checks_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
