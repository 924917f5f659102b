/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package graph implements the two playback pipelines: local file decode and
// network stream decode. Both are interchangeable behind the Graph interface
// so the transport controller can swap them per source kind while equalizer
// state, spectrum taps, and gain ramps behave identically.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/ad-repo/adamp-sub001/internal/eq"
)

// ErrNotSeekable is returned by Seek on graphs without random access.
var ErrNotSeekable = errors.New("graph: source is not seekable")

// DecodeError marks an unplayable source. The transport controller skips
// the track and continues.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return "decode " + e.Source + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EventType enumerates graph lifecycle events.
type EventType int

const (
	// EventTrackEnded fires when the source is exhausted naturally.
	EventTrackEnded EventType = iota
	// EventStreamError fires on a mid-stream read or decode failure.
	EventStreamError
	// EventMetadata carries an in-band stream title.
	EventMetadata
)

// Event is delivered on a graph's event channel.
type Event struct {
	Type  EventType
	Err   error
	Title string
}

// Tap receives interleaved mono-mixed samples and the sample rate. It is
// called from the render path and must not block.
type Tap func(samples []float64, sampleRate int)

// Graph is one playback pipeline. Prepare must complete before Play; after
// Stop the graph is dead and a new one is built for the next track.
type Graph interface {
	// Prepare opens and decodes the source up to the point where Play can
	// start without an audible delay. The equalizer snapshot passed here is
	// applied before any sample is rendered.
	Prepare(ctx context.Context, snapshot *eq.Snapshot) error
	Play()
	Pause()
	Resume()
	Stop()
	// Seek repositions playback. Streaming graphs return ErrNotSeekable.
	Seek(pos time.Duration) error
	Position() time.Duration
	// Duration returns zero when the source length is unknown.
	Duration() time.Duration
	// Remaining returns zero when the source length is unknown.
	Remaining() time.Duration
	// ApplyEqualizer swaps in a new snapshot; the render path picks it up
	// without blocking.
	ApplyEqualizer(snapshot *eq.Snapshot)
	// SetGain sets a linear gain multiplier, used for crossfade ramps.
	SetGain(gain float64)
	// AttachTap installs the spectrum feed. Must be called before Play.
	AttachTap(tap Tap)
	Events() <-chan Event
}
