package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
)

// pcmSine renders n mono PCM16 samples of a sine at the given amplitude
// (0..1).
func pcmSine(n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	// 16000 samples at 16 kHz is exactly one second.
	if got := audio.PCMDuration(16000*2, 16000); got != time.Second {
		t.Errorf("PCMDuration(32000, 16000) = %v; want 1s", got)
	}
	// 4096 samples at 16 kHz is 256 ms.
	if got := audio.PCMDuration(4096*2, 16000); got != 256*time.Millisecond {
		t.Errorf("PCMDuration(8192, 16000) = %v; want 256ms", got)
	}
	if got := audio.PCMDuration(0, 16000); got != 0 {
		t.Errorf("PCMDuration(0, 16000) = %v; want 0", got)
	}
}

func TestBlockDuration(t *testing.T) {
	t.Parallel()

	b := audio.Block{PCM: make([]byte, 24000*2), Rate: 24000}
	if got := b.Duration(); got != time.Second {
		t.Errorf("Duration() = %v; want 1s", got)
	}
}

func TestRMS_SilenceIsZero(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(make([]byte, 2048)); got != 0 {
		t.Errorf("RMS(silence) = %f; want 0", got)
	}
}

func TestRMS_LouderSignalHasHigherEnergy(t *testing.T) {
	t.Parallel()

	quiet := audio.RMS(pcmSine(1024, 0.05))
	loud := audio.RMS(pcmSine(1024, 0.8))
	if quiet <= 0 {
		t.Error("quiet signal should have non-zero energy")
	}
	if loud <= quiet {
		t.Errorf("loud RMS %f should exceed quiet RMS %f", loud, quiet)
	}
	if loud > 1 {
		t.Errorf("RMS %f should be normalised to [0, 1]", loud)
	}
}

func TestRMS_EmptyInput(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f; want 0", got)
	}
}

func TestResampleMono16_SameRateIsIdentity(t *testing.T) {
	t.Parallel()

	in := pcmSine(256, 0.5)
	out := audio.ResampleMono16(in, 16000, 16000)
	if string(out) != string(in) {
		t.Error("resampling to the same rate should return the input unchanged")
	}
}

func TestResampleMono16_HalvesAndDoubles(t *testing.T) {
	t.Parallel()

	in := pcmSine(512, 0.5)

	down := audio.ResampleMono16(in, 48000, 24000)
	if got, want := len(down), len(in)/2; got != want {
		t.Errorf("downsampled length = %d; want %d", got, want)
	}

	up := audio.ResampleMono16(in, 16000, 32000)
	if got, want := len(up), len(in)*2; got != want {
		t.Errorf("upsampled length = %d; want %d", got, want)
	}
}

func TestStereoToMono_AveragesChannels(t *testing.T) {
	t.Parallel()

	// One stereo frame: left 1000, right 3000. Mono average is 2000.
	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:], 1000)
	binary.LittleEndian.PutUint16(in[2:], 3000)

	out := audio.StereoToMono(in)
	if len(out) != 2 {
		t.Fatalf("mono length = %d; want 2", len(out))
	}
	if got := int16(binary.LittleEndian.Uint16(out)); got != 2000 {
		t.Errorf("mono sample = %d; want 2000", got)
	}
}

func TestDrain_EmptiesChannel(t *testing.T) {
	t.Parallel()

	ch := make(chan audio.Block, 4)
	ch <- audio.Block{}
	ch <- audio.Block{}
	close(ch)
	audio.Drain(ch)

	if _, open := <-ch; open {
		t.Error("channel should be fully drained")
	}
}
