package observability

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b = 2 ,,c", map[string]string{"a": "1", "b": "2"}},
		{"auth=Basic x=y", map[string]string{"auth": "Basic x=y"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseHeaders(tt.in), tt.in)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "otlp_grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk")

	cfg := ConfigFromEnv()
	assert.Equal(t, DefaultServiceName, cfg.ServiceName)
	assert.Equal(t, ExporterOTLPGRPC, cfg.Exporter)
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("pk:sk")), cfg.Headers["Authorization"])
}

func TestInit_DisabledAndStdout(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	require.NoError(t, Init(ctx, Config{Exporter: ExporterNone}, logger))
	_, span := StartSpan(ctx, "noop")
	span.End()
	require.NoError(t, Shutdown(ctx))

	require.NoError(t, Init(ctx, Config{Exporter: ExporterStdout}, logger))
	_, span = StartSpan(ctx, "stdout")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, Shutdown(ctx))

	assert.Error(t, Init(ctx, Config{Exporter: "zipkin"}, logger))
}
