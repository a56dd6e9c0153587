package uplink_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/uplink"
	audiomock "github.com/voicewire/voicewire/pkg/audio/mock"
	"github.com/voicewire/voicewire/pkg/channel"
	"github.com/voicewire/voicewire/pkg/channel/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func audioFrame(b byte) channel.MediaFrame {
	return channel.MediaFrame{Data: []byte{b}, MIMEType: channel.MIMEAudioPCM16k}
}

// waitForSent polls until the channel has recorded n outbound frames.
func waitForSent(t *testing.T, ch *mock.Channel, n int) []channel.MediaFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		sent := ch.Sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %d frames sent; want %d", len(sent), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTransmitter_QueuesUntilFlush(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(8)
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	defer tx.Close()

	// Frames submitted during the handshake must not be lost.
	tx.Send(audioFrame(1))
	tx.Send(audioFrame(2))
	if got := len(ch.Sent()); got != 0 {
		t.Fatalf("frames sent before Flush = %d; want 0", got)
	}

	tx.Flush(ch)
	tx.Send(audioFrame(3))

	sent := waitForSent(t, ch, 3)
	for i, want := range []byte{1, 2, 3} {
		if sent[i].Data[0] != want {
			t.Errorf("frame %d payload = %d; want %d (capture order is wire order)", i, sent[i].Data[0], want)
		}
	}
}

func TestTransmitter_SendNeverBlocks(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(8)
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	defer tx.Close()
	tx.Flush(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			tx.Send(audioFrame(byte(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Send blocked the caller")
	}
}

func TestTransmitter_SendFailureReportsOnce(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("socket closed")
	ch := mock.NewChannel(8)
	ch.SendErr = wantErr

	var mu sync.Mutex
	var reported []error

	tx := uplink.NewTransmitter(uplink.TransmitterConfig{
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
		Metrics: testMetrics(t),
	})
	defer tx.Close()
	tx.Flush(ch)

	for n := 0; n < 5; n++ {
		tx.Send(audioFrame(1))
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(reported)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for error callback")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Let any extra (buggy) callbacks surface before asserting.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Fatalf("error callbacks = %d; want exactly 1", len(reported))
	}
	if !errors.Is(reported[0], wantErr) {
		t.Errorf("reported error = %v; want wrapped %v", reported[0], wantErr)
	}
}

func TestTransmitter_SendAfterFailureIsNoop(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(8)
	ch.SendErr = errors.New("gone")

	failed := make(chan struct{})
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{
		OnError: func(error) { close(failed) },
		Metrics: testMetrics(t),
	})
	defer tx.Close()
	tx.Flush(ch)

	tx.Send(audioFrame(1))
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for failure")
	}

	// Nothing to assert beyond absence of panics and blocks.
	tx.Send(audioFrame(2))
	tx.Send(audioFrame(3))
}

func TestTransmitter_CloseBeforeFlush(t *testing.T) {
	t.Parallel()

	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	tx.Send(audioFrame(1))
	tx.Close()
}

func TestTransmitter_CloseStopsPump(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(8)
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	tx.Flush(ch)

	done := make(chan struct{})
	go func() {
		tx.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
}

// ── Sampler ───────────────────────────────────────────────────────────────────

func TestSampler_SubmitsStillFrames(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(64)
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	defer tx.Close()
	tx.Flush(ch)

	producer := audiomock.NewStillProducer([]byte{0xFF, 0xD8, 0xFF})
	sampler := uplink.NewSampler(uplink.SamplerConfig{
		Producer:    producer,
		Transmitter: tx,
		Interval:    5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sampler.Run(ctx)
	}()

	sent := waitForSent(t, ch, 3)
	cancel()
	<-stopped

	for i, frame := range sent[:3] {
		if frame.MIMEType != channel.MIMEImageJPEG {
			t.Errorf("frame %d mime = %q; want %q", i, frame.MIMEType, channel.MIMEImageJPEG)
		}
		if len(frame.Data) != 3 || frame.Data[0] != 0xFF {
			t.Errorf("frame %d payload = %v; want the producer's still", i, frame.Data)
		}
	}
}

func TestSampler_SkipsPausedProducer(t *testing.T) {
	t.Parallel()

	ch := mock.NewChannel(64)
	tx := uplink.NewTransmitter(uplink.TransmitterConfig{Metrics: testMetrics(t)})
	defer tx.Close()
	tx.Flush(ch)

	producer := audiomock.NewStillProducer([]byte{1})
	producer.SetPaused(true)

	sampler := uplink.NewSampler(uplink.SamplerConfig{
		Producer:    producer,
		Transmitter: tx,
		Interval:    5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sampler.Run(ctx)
	}()

	// Give the ticker a few cycles while paused.
	deadline := time.Now().Add(100 * time.Millisecond)
	for producer.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-stopped

	if producer.Calls() == 0 {
		t.Fatal("producer was never polled")
	}
	if got := len(ch.Sent()); got != 0 {
		t.Errorf("frames sent while paused = %d; want 0", got)
	}
}
