package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerNone(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer("svc", "test", TracerConfig{ExporterType: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracerUnknownExporter(t *testing.T) {
	_, err := InitTracer("svc", "test", TracerConfig{ExporterType: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")
}
