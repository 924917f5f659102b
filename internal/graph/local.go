/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/media"
)

const resampleQuality = 4

// LocalGraph plays a file from disk: decode → equalizer → gain → tap →
// speaker. Seekable.
type LocalGraph struct {
	track      media.Track
	sampleRate beep.SampleRate
	logger     zerolog.Logger

	mu       sync.Mutex
	file     *os.File
	streamer beep.StreamSeekCloser
	format   beep.Format
	eq       *eqStreamer
	gain     *gainStreamer
	tap      *tapStreamer
	ctrl     *beep.Ctrl
	prepared bool
	stopped  bool

	events *eventSink
}

// NewLocalGraph creates an unprepared local graph. sampleRate is the
// speaker's rate; sources at other rates are resampled.
func NewLocalGraph(track media.Track, sampleRate int, logger zerolog.Logger) *LocalGraph {
	return &LocalGraph{
		track:      track,
		sampleRate: beep.SampleRate(sampleRate),
		logger:     logger.With().Str("component", "graph-local").Str("track", track.ID).Logger(),
		events:     newEventSink(),
	}
}

// decodeFile opens and decodes by extension.
func decodeFile(path string) (*os.File, beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, beep.Format{}, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".ogg", ".oga":
		streamer, format, err = vorbis.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		err = fmt.Errorf("unsupported extension %q", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, nil, beep.Format{}, err
	}
	return f, streamer, format, nil
}

// Prepare decodes the file and assembles the render chain with the given
// equalizer snapshot already applied.
func (g *LocalGraph) Prepare(ctx context.Context, snapshot *eq.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	file, streamer, format, err := decodeFile(g.track.URL)
	if err != nil {
		return &DecodeError{Source: g.track.URL, Err: err}
	}

	var src beep.Streamer = streamer
	if format.SampleRate != g.sampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, g.sampleRate, streamer)
	}

	eqs := newEQStreamer(src, int(g.sampleRate), snapshot)
	gain := newGainStreamer(eqs)
	tap := newTapStreamer(gain, int(g.sampleRate))

	g.mu.Lock()
	g.file = file
	g.streamer = streamer
	g.format = format
	g.eq = eqs
	g.gain = gain
	g.tap = tap
	g.ctrl = &beep.Ctrl{Streamer: tap}
	g.prepared = true
	g.mu.Unlock()

	g.logger.Debug().
		Int("sample_rate", int(format.SampleRate)).
		Str("path", g.track.URL).
		Msg("local source prepared")
	return nil
}

func (g *LocalGraph) Play() {
	g.mu.Lock()
	ctrl := g.ctrl
	g.mu.Unlock()
	if ctrl == nil {
		return
	}
	speaker.Play(beep.Seq(ctrl, beep.Callback(func() {
		g.events.emit(Event{Type: EventTrackEnded})
	})))
}

func (g *LocalGraph) Pause() { g.setPaused(true) }

func (g *LocalGraph) Resume() { g.setPaused(false) }

func (g *LocalGraph) setPaused(paused bool) {
	g.mu.Lock()
	ctrl := g.ctrl
	g.mu.Unlock()
	if ctrl == nil {
		return
	}
	speaker.Lock()
	ctrl.Paused = paused
	speaker.Unlock()
}

// Stop detaches the graph from the speaker and releases the source. The
// graph cannot be restarted.
func (g *LocalGraph) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true

	if g.ctrl != nil {
		speaker.Lock()
		g.ctrl.Streamer = nil
		speaker.Unlock()
	}
	if g.streamer != nil {
		g.streamer.Close()
	}
	if g.file != nil {
		g.file.Close()
	}
	// Terminates the consumer's event loop; no events follow a Stop.
	g.events.close()
}

func (g *LocalGraph) Seek(pos time.Duration) error {
	g.mu.Lock()
	streamer, format := g.streamer, g.format
	g.mu.Unlock()
	if streamer == nil {
		return fmt.Errorf("graph: not prepared")
	}

	n := format.SampleRate.N(pos)
	if n < 0 {
		n = 0
	}
	if l := streamer.Len(); n > l {
		n = l
	}

	speaker.Lock()
	err := streamer.Seek(n)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("seek to %v: %w", pos, err)
	}
	return nil
}

func (g *LocalGraph) Position() time.Duration {
	g.mu.Lock()
	streamer, format := g.streamer, g.format
	g.mu.Unlock()
	if streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := streamer.Position()
	speaker.Unlock()
	return format.SampleRate.D(pos)
}

func (g *LocalGraph) Duration() time.Duration {
	g.mu.Lock()
	streamer, format := g.streamer, g.format
	g.mu.Unlock()
	if streamer == nil {
		return 0
	}
	return format.SampleRate.D(streamer.Len())
}

func (g *LocalGraph) Remaining() time.Duration {
	d := g.Duration()
	if d == 0 {
		return 0
	}
	if p := g.Position(); p < d {
		return d - p
	}
	return 0
}

func (g *LocalGraph) ApplyEqualizer(snapshot *eq.Snapshot) {
	g.mu.Lock()
	eqs := g.eq
	g.mu.Unlock()
	if eqs != nil {
		eqs.Apply(snapshot)
	}
}

func (g *LocalGraph) SetGain(gain float64) {
	g.mu.Lock()
	gs := g.gain
	g.mu.Unlock()
	if gs != nil {
		gs.SetGain(gain)
	}
}

func (g *LocalGraph) AttachTap(tap Tap) {
	g.mu.Lock()
	ts := g.tap
	g.mu.Unlock()
	if ts != nil {
		ts.SetTap(tap)
	}
}

func (g *LocalGraph) Events() <-chan Event { return g.events.ch }
