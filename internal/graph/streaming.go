/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package graph

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/icy"
	"github.com/ad-repo/adamp-sub001/internal/media"
)

// streamClient is tuned for long-lived radio connections: no overall
// timeout, but bounded dial and header waits.
var streamClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	},
}

// StreamingGraph plays a network stream: HTTP body → ICY metadata strip →
// mp3 decode → equalizer → gain → tap → speaker. Not seekable; position is
// the count of rendered sample frames.
type StreamingGraph struct {
	track       media.Track
	sampleRate  beep.SampleRate
	userAgent   string
	readTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	body     io.ReadCloser
	watchdog *idleTimeoutReader
	streamer beep.StreamSeekCloser
	format   beep.Format
	eq       *eqStreamer
	gain     *gainStreamer
	tap      *tapStreamer
	ctrl     *beep.Ctrl
	stopped  bool

	events *eventSink
}

// NewStreamingGraph creates an unprepared streaming graph. readTimeout
// bounds how long the stream may go silent before the connection is cut
// and surfaced as a stream error; zero disables the watchdog.
func NewStreamingGraph(track media.Track, sampleRate int, userAgent string, readTimeout time.Duration, logger zerolog.Logger) *StreamingGraph {
	return &StreamingGraph{
		track:       track,
		sampleRate:  beep.SampleRate(sampleRate),
		userAgent:   userAgent,
		readTimeout: readTimeout,
		logger:      logger.With().Str("component", "graph-stream").Str("track", track.ID).Logger(),
		events:      newEventSink(),
	}
}

// errorTapReader surfaces the first mid-stream read failure as an event.
// EOF is a stream drop too: live streams never end cleanly.
type errorTapReader struct {
	src    io.Reader
	notify func(error)
	once   sync.Once
}

func (r *errorTapReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if err != nil {
		r.once.Do(func() { r.notify(err) })
	}
	return n, err
}

func (r *errorTapReader) Close() error { return nil }

// idleTimeoutReader cuts a stalled connection: when no bytes arrive within
// the timeout it closes the underlying body, turning the stall into a read
// error the supervisor reacts to.
type idleTimeoutReader struct {
	src     io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutReader(src io.Reader, body io.Closer, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{
		src:     src,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, func() { body.Close() }),
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if err != nil {
		r.timer.Stop()
		return n, err
	}
	r.timer.Reset(r.timeout)
	return n, err
}

func (r *idleTimeoutReader) stop() {
	r.timer.Stop()
}

// Prepare opens the stream with ICY metadata negotiation and builds the
// render chain. Decode failures are DecodeErrors; the caller decides
// whether to retry through the supervisor.
func (g *StreamingGraph) Prepare(ctx context.Context, snapshot *eq.Snapshot) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.track.URL, nil)
	if err != nil {
		return &DecodeError{Source: g.track.URL, Err: err}
	}
	req.Header.Set("User-Agent", g.userAgent)
	icy.RequestMetadata(req)

	resp, err := streamClient.Do(req)
	if err != nil {
		return &DecodeError{Source: g.track.URL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &DecodeError{Source: g.track.URL, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}

	metaint := icy.Interval(resp)
	var audio io.Reader = resp.Body
	var watchdog *idleTimeoutReader
	if g.readTimeout > 0 {
		watchdog = newIdleTimeoutReader(audio, resp.Body, g.readTimeout)
		audio = watchdog
	}
	if metaint > 0 {
		audio = icy.NewReader(audio, metaint, func(title string) {
			g.events.emit(Event{Type: EventMetadata, Title: title})
		})
	}
	tapped := &errorTapReader{
		src: audio,
		notify: func(err error) {
			g.logger.Warn().Err(err).Msg("stream read failed")
			g.events.emit(Event{Type: EventStreamError, Err: err})
		},
	}

	streamer, format, err := mp3.Decode(tapped)
	if err != nil {
		resp.Body.Close()
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
	g.body = resp.Body
	g.watchdog = watchdog
	g.streamer = streamer
	g.format = format
	g.eq = eqs
	g.gain = gain
	g.tap = tap
	g.ctrl = &beep.Ctrl{Streamer: tap}
	g.mu.Unlock()

	g.logger.Info().
		Int("metaint", metaint).
		Int("sample_rate", int(format.SampleRate)).
		Str("url", g.track.URL).
		Msg("stream opened")
	return nil
}

func (g *StreamingGraph) Play() {
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

func (g *StreamingGraph) Pause() { g.setPaused(true) }

func (g *StreamingGraph) Resume() { g.setPaused(false) }

func (g *StreamingGraph) setPaused(paused bool) {
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

// Stop detaches from the speaker and closes the connection.
func (g *StreamingGraph) Stop() {
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
	if g.watchdog != nil {
		g.watchdog.stop()
	}
	if g.body != nil {
		g.body.Close()
	}
	g.events.close()
}

func (g *StreamingGraph) Seek(time.Duration) error { return ErrNotSeekable }

func (g *StreamingGraph) Position() time.Duration {
	g.mu.Lock()
	tap := g.tap
	g.mu.Unlock()
	if tap == nil {
		return 0
	}
	return g.sampleRate.D(int(tap.Rendered()))
}

// Duration is unknown for live streams.
func (g *StreamingGraph) Duration() time.Duration { return 0 }

func (g *StreamingGraph) Remaining() time.Duration { return 0 }

func (g *StreamingGraph) ApplyEqualizer(snapshot *eq.Snapshot) {
	g.mu.Lock()
	eqs := g.eq
	g.mu.Unlock()
	if eqs != nil {
		eqs.Apply(snapshot)
	}
}

func (g *StreamingGraph) SetGain(gain float64) {
	g.mu.Lock()
	gs := g.gain
	g.mu.Unlock()
	if gs != nil {
		gs.SetGain(gain)
	}
}

func (g *StreamingGraph) AttachTap(tap Tap) {
	g.mu.Lock()
	ts := g.tap
	g.mu.Unlock()
	if ts != nil {
		ts.SetTap(tap)
	}
}

func (g *StreamingGraph) Events() <-chan Event { return g.events.ch }
