/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package graph

import (
	"math"
	"sync/atomic"

	"github.com/gopxl/beep/v2"

	"github.com/ad-repo/adamp-sub001/internal/eq"
)

const biquadQ = 1.0

// biquad is one peaking-EQ section (RBJ cookbook) with per-channel state.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     [2]float64
	active             bool
}

// configure computes peaking coefficients for centre frequency f0 at the
// given sample rate. Bands at or above Nyquist are disabled.
func (f *biquad) configure(f0, gainDB float64, sampleRate int) {
	f.x1, f.x2, f.y1, f.y2 = [2]float64{}, [2]float64{}, [2]float64{}, [2]float64{}
	if f0 >= float64(sampleRate)/2 || gainDB == 0 {
		f.active = false
		return
	}
	f.active = true

	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * f0 / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * biquadQ)
	cosW0 := math.Cos(w0)

	a0 := 1 + alpha/a
	f.b0 = (1 + alpha*a) / a0
	f.b1 = (-2 * cosW0) / a0
	f.b2 = (1 - alpha*a) / a0
	f.a1 = (-2 * cosW0) / a0
	f.a2 = (1 - alpha/a) / a0
}

func (f *biquad) process(ch int, x float64) float64 {
	y := f.b0*x + f.b1*f.x1[ch] + f.b2*f.x2[ch] - f.a1*f.y1[ch] - f.a2*f.y2[ch]
	f.x2[ch] = f.x1[ch]
	f.x1[ch] = x
	f.y2[ch] = f.y1[ch]
	f.y1[ch] = y
	return y
}

// eqStreamer applies the 10-band equalizer to a wrapped streamer. The
// control path stores a new snapshot pointer; the render path compares the
// pointer each block and rebuilds coefficients only when it changed, so it
// never waits on the writer.
type eqStreamer struct {
	src        beep.Streamer
	sampleRate int

	snapshot atomic.Pointer[eq.Snapshot]

	applied *eq.Snapshot
	filters [eq.NumBands]biquad
	preamp  float64
	active  bool
}

func newEQStreamer(src beep.Streamer, sampleRate int, snapshot *eq.Snapshot) *eqStreamer {
	s := &eqStreamer{
		src:        src,
		sampleRate: sampleRate,
		preamp:     1,
	}
	if snapshot == nil {
		snapshot = &eq.Snapshot{}
	}
	s.snapshot.Store(snapshot)
	return s
}

// Apply publishes a new snapshot for the render path.
func (s *eqStreamer) Apply(snapshot *eq.Snapshot) {
	if snapshot == nil {
		return
	}
	s.snapshot.Store(snapshot)
}

// Snapshot returns the most recently published snapshot.
func (s *eqStreamer) Snapshot() *eq.Snapshot {
	return s.snapshot.Load()
}

func (s *eqStreamer) rebuild(snap *eq.Snapshot) {
	s.applied = snap
	s.active = snap.Active()
	s.preamp = math.Pow(10, snap.Preamp/20)
	if !s.active {
		return
	}
	for i := range s.filters {
		s.filters[i].configure(eq.BandFrequencies[i], snap.Bands[i], s.sampleRate)
	}
}

func (s *eqStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = s.src.Stream(samples)

	snap := s.snapshot.Load()
	if snap != s.applied {
		s.rebuild(snap)
	}
	if !s.active {
		return n, ok
	}

	for i := 0; i < n; i++ {
		for ch := 0; ch < 2; ch++ {
			x := samples[i][ch] * s.preamp
			for b := range s.filters {
				if s.filters[b].active {
					x = s.filters[b].process(ch, x)
				}
			}
			samples[i][ch] = x
		}
	}
	return n, ok
}

func (s *eqStreamer) Err() error { return s.src.Err() }
