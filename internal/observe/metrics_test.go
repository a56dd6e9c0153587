package observe_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicewire/voicewire/internal/observe"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	t.Parallel()

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ToolCallDuration == nil {
		t.Error("ToolCallDuration is nil")
	}
	if m.HandshakeDuration == nil {
		t.Error("HandshakeDuration is nil")
	}
	if m.UplinkFrames == nil {
		t.Error("UplinkFrames is nil")
	}
	if m.ScheduledChunks == nil {
		t.Error("ScheduledChunks is nil")
	}
	if m.DroppedChunks == nil {
		t.Error("DroppedChunks is nil")
	}
	if m.Interruptions == nil {
		t.Error("Interruptions is nil")
	}
	if m.ToolCalls == nil {
		t.Error("ToolCalls is nil")
	}
	if m.ChannelErrors == nil {
		t.Error("ChannelErrors is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
}

func TestMetrics_RecordHelpers(t *testing.T) {
	t.Parallel()

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordUplinkFrame(ctx, "audio")
	m.RecordUplinkFrame(ctx, "video")
	m.RecordDroppedChunk(ctx, "malformed")
	m.RecordDroppedChunk(ctx, "stale")
	m.RecordToolCall(ctx, "local_time", "ok", 12*time.Millisecond)
	m.RecordToolCall(ctx, "local_time", "timeout", 30*time.Second)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()

	a := observe.DefaultMetrics()
	b := observe.DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics must return a single shared instance")
	}
}

func TestInitProvider_ShutdownWorks(t *testing.T) {
	// Not parallel: InitProvider swaps the global meter provider.
	ctx := context.Background()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicewire-test",
		ServiceVersion: "0.0.0",
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
