package graph

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
)

// gainStreamer multiplies samples by a linear gain. The gain is stored as
// atomic bits so crossfade ramps on the control path never lock against
// the render path.
type gainStreamer struct {
	src  beep.Streamer
	bits atomic.Uint64
}

func newGainStreamer(src beep.Streamer) *gainStreamer {
	g := &gainStreamer{src: src}
	g.SetGain(1)
	return g
}

func (g *gainStreamer) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	g.bits.Store(math.Float64bits(gain))
}

func (g *gainStreamer) Gain() float64 {
	return math.Float64frombits(g.bits.Load())
}

func (g *gainStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = g.src.Stream(samples)
	gain := g.Gain()
	if gain == 1 {
		return n, ok
	}
	for i := 0; i < n; i++ {
		samples[i][0] *= gain
		samples[i][1] *= gain
	}
	return n, ok
}

func (g *gainStreamer) Err() error { return g.src.Err() }

// tapStreamer feeds mono-mixed samples to the spectrum tap and counts
// rendered samples for the streaming graph's position clock.
type tapStreamer struct {
	src        beep.Streamer
	sampleRate int
	rendered   atomic.Int64

	tap atomic.Pointer[Tap]

	scratch []float64
}

func newTapStreamer(src beep.Streamer, sampleRate int) *tapStreamer {
	return &tapStreamer{src: src, sampleRate: sampleRate}
}

func (t *tapStreamer) SetTap(tap Tap) {
	if tap == nil {
		t.tap.Store(nil)
		return
	}
	t.tap.Store(&tap)
}

// Rendered returns the number of sample frames passed downstream.
func (t *tapStreamer) Rendered() int64 {
	return t.rendered.Load()
}

func (t *tapStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = t.src.Stream(samples)
	if n == 0 {
		return n, ok
	}
	t.rendered.Add(int64(n))

	tapPtr := t.tap.Load()
	if tapPtr == nil {
		return n, ok
	}
	if cap(t.scratch) < n {
		t.scratch = make([]float64, n)
	}
	mono := t.scratch[:n]
	for i := 0; i < n; i++ {
		mono[i] = (samples[i][0] + samples[i][1]) / 2
	}
	(*tapPtr)(mono, t.sampleRate)
	return n, ok
}

func (t *tapStreamer) Err() error { return t.src.Err() }

// eventSink delivers graph events without blocking the producer. It is
// closed on Stop so consumers ranging the channel terminate; emits that
// race the close (the speaker callback can fire after teardown) are
// dropped instead of panicking.
type eventSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 8)}
}

func (s *eventSink) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
