/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package spectrum turns the PCM stream tapped from the active playback
// graph into smoothed, log-frequency band frames for the visualizer.
package spectrum

import (
	"context"
	"math"
	"math/cmplx"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
)

const (
	// WindowSize is the number of mono samples per analysis window.
	WindowSize = 2048

	// NumBands is the number of output frequency bands.
	NumBands = 75

	// FreqMin and FreqMax bound the logarithmic band layout in Hz.
	FreqMin = 20.0
	FreqMax = 20000.0

	// powerCurve boosts low-level detail after peak normalization.
	powerCurve = 0.4

	// Asymmetric smoothing: fast rise, slow fall, so the display reads as
	// damped motion rather than flicker.
	attackFraction = 0.6
	decayFraction  = 0.12
)

// Frame is one visualizer frame: per-band levels in [0,1].
type Frame [NumBands]float64

// Analyzer accumulates PCM into fixed windows and performs the FFT work on
// a dedicated worker so the audio render path never blocks. When the worker
// falls behind, whole windows are dropped.
type Analyzer struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu         sync.Mutex
	pending    []float64
	sampleRate int

	windows chan window
	frames  chan Frame

	smoothMu sync.Mutex
	smoothed Frame

	cancel context.CancelFunc
	done   chan struct{}
}

type window struct {
	samples    [WindowSize]float64
	sampleRate int
}

// NewAnalyzer creates an analyzer publishing frames on the bus and on Frames().
func NewAnalyzer(bus *events.Bus, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		bus:     bus,
		logger:  logger.With().Str("component", "spectrum").Logger(),
		windows: make(chan window, 4),
		frames:  make(chan Frame, 8),
		done:    make(chan struct{}),
	}
}

// Start launches the FFT worker.
func (a *Analyzer) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
	a.logger.Debug().Msg("spectrum worker started")
}

// Stop shuts the worker down and waits for it to exit.
func (a *Analyzer) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// Frames returns the output frame channel. Consumers that fall behind miss
// frames; the producer never blocks on them.
func (a *Analyzer) Frames() <-chan Frame {
	return a.frames
}

// Push feeds mono PCM samples from the active graph's tap. It is safe to
// call from the render callback: the hand-off buffer is bounded and full
// windows are dropped rather than queued.
func (a *Analyzer) Push(samples []float64, sampleRate int) {
	a.mu.Lock()
	if sampleRate != a.sampleRate {
		// Sample rate changed (new graph); restart the window.
		a.sampleRate = sampleRate
		a.pending = a.pending[:0]
	}
	a.pending = append(a.pending, samples...)

	for len(a.pending) >= WindowSize {
		var w window
		copy(w.samples[:], a.pending[:WindowSize])
		w.sampleRate = sampleRate
		a.pending = a.pending[WindowSize:]

		select {
		case a.windows <- w:
		default:
			telemetry.SpectrumFramesDroppedTotal.Inc()
		}
	}
	a.mu.Unlock()
}

// Reset clears accumulated samples and smoothing state, e.g. on track change.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.pending = a.pending[:0]
	a.mu.Unlock()

	a.smoothMu.Lock()
	a.smoothed = Frame{}
	a.smoothMu.Unlock()
}

func (a *Analyzer) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-a.windows:
			frame := a.analyze(&w)
			telemetry.SpectrumFramesTotal.Inc()

			select {
			case a.frames <- frame:
			default:
			}

			if a.bus != nil {
				a.bus.Publish(events.EventSpectrumFrame, events.Payload{
					"bands": frame[:],
				})
			}
		}
	}
}

// analyze runs the fixed pipeline: Hann window, FFT, magnitudes, log-band
// aggregation, peak normalization, power curve, asymmetric smoothing.
func (a *Analyzer) analyze(w *window) Frame {
	buf := make([]complex128, WindowSize)
	for i, s := range w.samples {
		hann := 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(WindowSize-1)))
		buf[i] = complex(s*hann, 0)
	}
	fft(buf)

	magnitudes := make([]float64, WindowSize/2)
	for i := range magnitudes {
		magnitudes[i] = cmplx.Abs(buf[i])
	}

	var frame Frame
	edges := bandEdges(w.sampleRate)
	peak := 0.0
	for band := 0; band < NumBands; band++ {
		lo, hi := edges[band], edges[band+1]
		if hi <= lo {
			// Band collapsed against the Nyquist limit at low sample rates.
			frame[band] = 0
			continue
		}
		sum := 0.0
		for bin := lo; bin < hi; bin++ {
			sum += magnitudes[bin]
		}
		frame[band] = sum / float64(hi-lo)
		if frame[band] > peak {
			peak = frame[band]
		}
	}

	// Normalize to the frame's own peak, then boost low-level detail.
	// Silent input stays all-zero rather than dividing by zero.
	if peak > 0 {
		for band := range frame {
			frame[band] = math.Pow(frame[band]/peak, powerCurve)
		}
	}

	a.smoothMu.Lock()
	for band := range frame {
		prev := a.smoothed[band]
		next := frame[band]
		if next > prev {
			prev += (next - prev) * attackFraction
		} else {
			prev += (next - prev) * decayFraction
		}
		if prev < 0 {
			prev = 0
		}
		if prev > 1 {
			prev = 1
		}
		a.smoothed[band] = prev
	}
	frame = a.smoothed
	a.smoothMu.Unlock()

	return frame
}

// bandEdges maps the 75 logarithmic bands spanning 20 Hz - 20 kHz onto FFT
// bin ranges. Low bands cover fewer bins than high bands; every band covers
// at least one bin.
func bandEdges(sampleRate int) [NumBands + 1]int {
	var edges [NumBands + 1]int
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	binWidth := float64(sampleRate) / float64(WindowSize)
	maxBin := WindowSize / 2

	logMin := math.Log(FreqMin)
	logMax := math.Log(math.Min(FreqMax, float64(sampleRate)/2))

	prev := 1 // skip DC
	for i := 0; i <= NumBands; i++ {
		freq := math.Exp(logMin + (logMax-logMin)*float64(i)/float64(NumBands))
		bin := int(freq / binWidth)
		if bin <= prev {
			bin = prev + 1
		}
		if bin > maxBin {
			bin = maxBin
		}
		edges[i] = bin
		prev = bin
	}
	edges[0] = 1
	return edges
}
