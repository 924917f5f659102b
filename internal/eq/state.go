/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eq holds the canonical equalizer state shared by every playback
// graph. Writers go through State's setters; render callbacks read the
// latest immutable Snapshot without locking against the control path.
package eq

import (
	"sync"
	"sync/atomic"
)

// NumBands is the number of equalizer bands.
const NumBands = 10

// GainMin and GainMax bound band and preamp gains in dB. Out-of-range
// writes are clamped, never rejected.
const (
	GainMin = -12.0
	GainMax = 12.0
)

// BandFrequencies are the ISO octave band centers in Hz.
var BandFrequencies = [NumBands]float64{31.25, 62.5, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// Snapshot is an immutable value copy of the equalizer settings. A graph's
// render callback holds the latest published snapshot; it is never mutated
// after publication.
type Snapshot struct {
	Bands   [NumBands]float64
	Preamp  float64
	Enabled bool
	Bypass  bool
}

// Equal reports whether two snapshots carry identical settings, comparing
// all ten band gains, the preamp, and both flags.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.Preamp != other.Preamp || s.Enabled != other.Enabled || s.Bypass != other.Bypass {
		return false
	}
	for i := range s.Bands {
		if s.Bands[i] != other.Bands[i] {
			return false
		}
	}
	return true
}

// Active reports whether the equalizer should shape the signal.
func (s Snapshot) Active() bool {
	return s.Enabled && !s.Bypass
}

// State is the process-wide equalizer state. It is created once at startup,
// mutated by explicit setters, and injected into TransportController rather
// than accessed as a hidden global.
type State struct {
	// mu serializes writers: setters arrive on concurrent API request
	// goroutines, and an unguarded read-copy-store would lose writes.
	// Readers stay lock-free through the atomic pointer.
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
	onChange atomic.Pointer[func(Snapshot)]
}

// NewState creates a flat, enabled equalizer.
func NewState() *State {
	s := &State{}
	s.snapshot.Store(&Snapshot{Enabled: true})
	return s
}

// OnChange registers a callback invoked with every newly published snapshot.
// The transport controller uses it to push fresh settings into live graphs.
func (s *State) OnChange(fn func(Snapshot)) {
	s.onChange.Store(&fn)
}

// Snapshot returns the latest published settings by value.
func (s *State) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// SetBand sets the gain of band index in dB, clamped to [-12, 12].
// Out-of-range indices are ignored.
func (s *State) SetBand(index int, gainDb float64) {
	if index < 0 || index >= NumBands {
		return
	}
	s.publish(func(snap *Snapshot) {
		snap.Bands[index] = clamp(gainDb)
	})
}

// Band returns the current gain of band index in dB.
func (s *State) Band(index int) float64 {
	if index < 0 || index >= NumBands {
		return 0
	}
	return s.snapshot.Load().Bands[index]
}

// SetPreamp sets the global preamp gain in dB, clamped to [-12, 12].
func (s *State) SetPreamp(gainDb float64) {
	s.publish(func(snap *Snapshot) {
		snap.Preamp = clamp(gainDb)
	})
}

// Preamp returns the current preamp gain in dB.
func (s *State) Preamp() float64 {
	return s.snapshot.Load().Preamp
}

// SetEnabled toggles the equalizer on or off.
func (s *State) SetEnabled(enabled bool) {
	s.publish(func(snap *Snapshot) {
		snap.Enabled = enabled
	})
}

// SetBypass toggles bypass. Bypass differs from disabled only in intent:
// both leave the signal unshaped, but bypass preserves the enabled flag.
func (s *State) SetBypass(bypass bool) {
	s.publish(func(snap *Snapshot) {
		snap.Bypass = bypass
	})
}

// Restore replaces the full state in one publish. The external state
// manager calls this at startup; gains are clamped like any other write.
func (s *State) Restore(snap Snapshot) {
	s.publish(func(dst *Snapshot) {
		for i, g := range snap.Bands {
			dst.Bands[i] = clamp(g)
		}
		dst.Preamp = clamp(snap.Preamp)
		dst.Enabled = snap.Enabled
		dst.Bypass = snap.Bypass
	})
}

// publish copies the current snapshot, applies mutate, and stores the
// result under the writer lock. The change callback runs inside the lock
// so concurrent writes deliver their snapshots in publication order.
func (s *State) publish(mutate func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.snapshot.Load()
	mutate(&next)
	s.snapshot.Store(&next)
	if fn := s.onChange.Load(); fn != nil {
		(*fn)(next)
	}
}

func clamp(gainDb float64) float64 {
	if gainDb < GainMin {
		return GainMin
	}
	if gainDb > GainMax {
		return GainMax
	}
	return gainDb
}
