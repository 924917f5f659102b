package spectrum

import (
	"context"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/events"
)

func collectFrame(t *testing.T, a *Analyzer) Frame {
	t.Helper()
	select {
	case frame := <-a.Frames():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spectrum frame")
		return Frame{}
	}
}

func TestFFTRecoversSingleTone(t *testing.T) {
	const n = 256
	buf := make([]complex128, n)
	freqBin := 16
	for i := 0; i < n; i++ {
		buf[i] = complex(math.Sin(2*math.Pi*float64(freqBin)*float64(i)/n), 0)
	}
	fft(buf)

	maxBin, maxMag := 0, 0.0
	for i := 1; i < n/2; i++ {
		if mag := cmplx.Abs(buf[i]); mag > maxMag {
			maxMag = mag
			maxBin = i
		}
	}
	if maxBin != freqBin {
		t.Fatalf("tone at bin %d detected at bin %d", freqBin, maxBin)
	}
}

func TestSilenceProducesZeroFrame(t *testing.T) {
	a := NewAnalyzer(events.NewBus(), zerolog.Nop())
	a.Start(context.Background())
	defer a.Stop()

	a.Push(make([]float64, WindowSize), 44100)
	frame := collectFrame(t, a)

	for band, v := range frame {
		if v != 0 {
			t.Fatalf("band %d = %v for silent input, want 0", band, v)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("band %d is not finite for silent input", band)
		}
	}
}

func TestFrameValuesBoundedForArbitraryAmplitude(t *testing.T) {
	a := NewAnalyzer(events.NewBus(), zerolog.Nop())
	a.Start(context.Background())
	defer a.Stop()

	// Deliberately unreasonable amplitude.
	samples := make([]float64, WindowSize)
	for i := range samples {
		samples[i] = 1e6 * math.Sin(2*math.Pi*440*float64(i)/44100)
	}
	a.Push(samples, 44100)
	frame := collectFrame(t, a)

	for band, v := range frame {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Fatalf("band %d = %v out of [0,1]", band, v)
		}
	}
}

func TestToneConcentratesInExpectedBand(t *testing.T) {
	a := NewAnalyzer(events.NewBus(), zerolog.Nop())
	a.Start(context.Background())
	defer a.Stop()

	const toneHz = 1000.0
	samples := make([]float64, WindowSize)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * toneHz * float64(i) / 44100)
	}
	a.Push(samples, 44100)
	frame := collectFrame(t, a)

	// The band containing 1 kHz should hold the frame's peak.
	want := int(float64(NumBands) * math.Log(toneHz/FreqMin) / math.Log(FreqMax/FreqMin))
	peakBand, peakVal := 0, 0.0
	for band, v := range frame {
		if v > peakVal {
			peakVal = v
			peakBand = band
		}
	}
	if diff := peakBand - want; diff < -2 || diff > 2 {
		t.Fatalf("1 kHz tone peaked in band %d, expected near %d", peakBand, want)
	}
}

func TestAsymmetricSmoothingDecaysSlowly(t *testing.T) {
	a := NewAnalyzer(events.NewBus(), zerolog.Nop())
	a.Start(context.Background())
	defer a.Stop()

	tone := make([]float64, WindowSize)
	for i := range tone {
		tone[i] = math.Sin(2 * math.Pi * 1000 * float64(i) / 44100)
	}
	a.Push(tone, 44100)
	loud := collectFrame(t, a)

	a.Push(make([]float64, WindowSize), 44100)
	quiet := collectFrame(t, a)

	peakBand, peakVal := 0, 0.0
	for band, v := range loud {
		if v > peakVal {
			peakVal = v
			peakBand = band
		}
	}
	// One silent window must not zero the band: decay is gradual.
	if quiet[peakBand] <= 0 {
		t.Fatalf("band %d fully decayed after one silent window", peakBand)
	}
	if quiet[peakBand] >= loud[peakBand] {
		t.Fatalf("band %d did not decay: %v -> %v", peakBand, loud[peakBand], quiet[peakBand])
	}
}

func TestPushNeverBlocksWhenWorkerStopped(t *testing.T) {
	a := NewAnalyzer(events.NewBus(), zerolog.Nop())
	// Worker intentionally not started: the hand-off buffer fills and
	// further windows must be dropped, not queued.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			a.Push(make([]float64, WindowSize), 44100)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with a stalled worker")
	}
}

func TestBandEdgesMonotonic(t *testing.T) {
	for _, rate := range []int{22050, 44100, 48000} {
		edges := bandEdges(rate)
		for i := 1; i <= NumBands; i++ {
			if edges[i] < edges[i-1] {
				t.Fatalf("rate %d: edges not monotonic at %d: %v < %v", rate, i, edges[i], edges[i-1])
			}
		}
		if edges[NumBands] > WindowSize/2 {
			t.Fatalf("rate %d: top edge %d exceeds Nyquist bin", rate, edges[NumBands])
		}
	}
}
