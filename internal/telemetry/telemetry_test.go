package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
)

func TestInitOTEL_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Log.LogDir = t.TempDir()
	cfg.Telemetry.Enabled = false

	tracer, meter, log, shutdown, err := InitOTEL(cfg)
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)
	log.Infow("telemetry disabled")
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitOTEL_Stdout(t *testing.T) {
	cfg := config.Default()
	cfg.Log.LogDir = ""
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Exporter = "stdout"

	tracer, meter, log, shutdown, err := InitOTEL(cfg)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "test")
	span.End()
	counter, err := meter.Int64Counter("test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	log.Infow("bridged", "job_id", "job-1")

	assert.NoError(t, shutdown(context.Background()))
}

func TestInitOTEL_UnknownExporter(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Exporter = "jaeger"

	_, _, _, _, err := InitOTEL(cfg)
	assert.Error(t, err)
}
