package observability_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-seat-booking/internal/config"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupOTel_InstallsPropagatorWithoutExporter(t *testing.T) {
	shutdown, err := observability.SetupOTel(context.Background(), &config.Config{}, "cinema-test")
	require.NoError(t, err)
	defer shutdown()

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestStartSpan_RecordsFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := observability.StartSpan(context.Background(), "locks.RequestLock")
	observability.FailSpan(span, errors.New("seats unavailable"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "locks.RequestLock", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, observability.TracerName, ended[0].InstrumentationScope().Name)
}
