package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("CLAUDE_CTO_LOG_LEVEL", "")
	assert.Equal(t, slog.LevelInfo, levelFromEnv())
}

func TestLevelFromEnvRecognizesEachLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"huh":   slog.LevelInfo,
	}
	for raw, want := range cases {
		t.Setenv("CLAUDE_CTO_LOG_LEVEL", raw)
		assert.Equal(t, want, levelFromEnv(), "input %q", raw)
	}
}

func TestOtlpEndpointPrefersSpecificOverGeneric(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces.example:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic.example:4317")
	assert.Equal(t, "traces.example:4317", otlpEndpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"))
}

func TestOtlpEndpointFallsBackToGenericThenDefault(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic.example:4317")
	assert.Equal(t, "generic.example:4317", otlpEndpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", otlpEndpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"))
}

func TestInitLoggingInstallsDefaultLoggerAndIsUsable(t *testing.T) {
	logger := InitLogging("ctod-test")
	assert.NotNil(t, logger)
	logger.Info("smoke test") // must not panic
}

func TestFlushToleratesSlowShutdown(t *testing.T) {
	blocked := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}
	done := make(chan struct{})
	go func() {
		Flush(context.Background(), blocked)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("Flush did not bound shutdown to its own timeout")
	}
}
