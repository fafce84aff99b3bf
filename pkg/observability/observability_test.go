package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "lily", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
}

// All record methods must be no-op safe on a disabled provider; workers call
// them unconditionally.
func TestRecordMetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordEvent(ctx, "inbound", attribute.String("tenant_id", "t"))
	p.RecordError(ctx, "inbound", errors.New("boom"))
	p.RecordRetry(ctx, "wh-1")
	p.RecordDeadLetter(ctx, "dispatch")
}

func TestTrackStage(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackStage(context.Background(), "write",
		attribute.String("asset_id", "asset-42"))
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackStage(context.Background(), "dispatch")
	finish(errors.New("delivery failed"))
}

func TestShutdownDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
