package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanRecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, parent := StartSpan(context.Background(), "task.pipeline", attribute.String("task.id", "t-1"))
	_, child := StartSpan(ctx, "task.permission")
	End(child, errors.New("autonomy violation"))
	End(parent, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "task.permission", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.String("task.id", "t-1"))
}

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), "venom", Config{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	shutdown, err := Init(context.Background(), "venom", Config{Exporter: "stdout", SampleRatio: 0.5})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "venom", Config{Exporter: "zipkin"})
	assert.Error(t, err)
}
