/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transport is the top-level playback orchestrator. It owns the
// single playback session, selects the graph per source kind, keeps the
// equalizer, spectrum tap, supervisor, and telemetry wired to whichever
// graph is active, and serializes every mutation behind one mutex so user
// input, timer firings, and network completions never interleave.
package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/config"
	"github.com/ad-repo/adamp-sub001/internal/device"
	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/graph"
	"github.com/ad-repo/adamp-sub001/internal/media"
	"github.com/ad-repo/adamp-sub001/internal/scrobble"
	"github.com/ad-repo/adamp-sub001/internal/spectrum"
	"github.com/ad-repo/adamp-sub001/internal/stream"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
)

// PlaybackState is the session lifecycle state.
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
)

func (s PlaybackState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

const (
	positionPollInterval = 500 * time.Millisecond
	crossfadeStepCount   = 40
)

// graphFactory builds graphs; swapped out in tests.
type graphFactory func(track media.Track, cfg *config.Config, logger zerolog.Logger) graph.Graph

func defaultFactory(track media.Track, cfg *config.Config, logger zerolog.Logger) graph.Graph {
	if track.Source == media.SourceStream {
		return graph.NewStreamingGraph(track, cfg.SampleRate, cfg.StreamUserAgent, cfg.StreamReadTimeout, logger)
	}
	return graph.NewLocalGraph(track, cfg.SampleRate, logger)
}

// Status is a point-in-time snapshot for the API surface.
type Status struct {
	State       PlaybackState
	Track       media.Track
	Position    time.Duration
	Duration    time.Duration
	Connection  stream.ConnectionState
	Equalizer   eq.Snapshot
	QueueLength int
	Device      string
}

// Controller drives playback. All exported methods are safe for
// concurrent use; each one is a command on the serialized control path.
type Controller struct {
	cfg        *config.Config
	bus        *events.Bus
	logger     zerolog.Logger
	eqState    *eq.State
	analyzer   *spectrum.Analyzer
	supervisor *stream.Supervisor
	scrobbler  *scrobble.Service
	output     *device.SpeakerOutput
	sched      stream.Scheduler
	factory    graphFactory

	// scrobbleOps preserves telemetry call order while keeping network
	// delivery off the control path.
	scrobbleOps chan func()

	mu    sync.Mutex
	state PlaybackState
	track media.Track
	cur   graph.Graph
	gen   uint64

	// gapless lookahead
	next      graph.Graph
	nextTrack media.Track
	nextReady bool
	preparing bool

	queue []media.Track

	gaplessEnabled    bool
	gaplessLookahead  time.Duration
	crossfadeEnabled  bool
	crossfadeDuration time.Duration
	crossfading       bool
}

// New wires the controller to its collaborators. The equalizer's change
// callback is installed here: every fresh snapshot is pushed into all
// live graphs.
func New(cfg *config.Config, bus *events.Bus, eqState *eq.State, analyzer *spectrum.Analyzer,
	supervisor *stream.Supervisor, scrobbler *scrobble.Service, output *device.SpeakerOutput,
	sched stream.Scheduler, logger zerolog.Logger) *Controller {

	if sched == nil {
		sched = stream.RealScheduler{}
	}
	c := &Controller{
		cfg:               cfg,
		bus:               bus,
		logger:            logger.With().Str("component", "transport").Logger(),
		eqState:           eqState,
		analyzer:          analyzer,
		supervisor:        supervisor,
		scrobbler:         scrobbler,
		output:            output,
		sched:             sched,
		factory:           defaultFactory,
		scrobbleOps:       make(chan func(), 64),
		gaplessEnabled:    cfg.GaplessEnabled,
		gaplessLookahead:  cfg.GaplessLookahead,
		crossfadeEnabled:  cfg.CrossfadeEnabled,
		crossfadeDuration: cfg.CrossfadeDuration,
	}

	eqState.OnChange(func(snap eq.Snapshot) {
		c.pushEqualizer(snap)
		bus.Publish(events.EventEqualizerChange, events.Payload{
			"enabled": snap.Enabled,
			"bypass":  snap.Bypass,
			"preamp":  snap.Preamp,
		})
	})

	go func() {
		for op := range c.scrobbleOps {
			op()
		}
	}()
	return c
}

// Run drives the position clock until the context ends. Each tick is a
// command: scrobble progress, transition lookahead, state publishing.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(positionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Load resolves the track to a graph and makes it the active session.
func (c *Controller) Load(ctx context.Context, track media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, track)
}

func (c *Controller) loadLocked(ctx context.Context, track media.Track) error {
	c.gen++
	gen := c.gen
	c.discardNextLocked()
	if c.cur != nil {
		c.stopScrobble(c.cur.Position())
	}

	kindChanged := c.cur != nil && c.track.Source != track.Source
	if kindChanged {
		// The two graphs cannot share the output safely across kinds:
		// tear down before building the replacement.
		c.teardownCurrentLocked()
	}

	c.state = StateLoading
	c.publishStateLocked()

	if track.Source == media.SourceStream {
		c.loadStreamLocked(ctx, track, gen)
		return nil
	}
	return c.loadLocalLocked(ctx, track, gen)
}

func (c *Controller) loadLocalLocked(ctx context.Context, track media.Track, gen uint64) error {
	if c.supervisor != nil {
		c.supervisor.Stop()
	}

	g := c.factory(track, c.cfg, c.logger)
	snap := c.eqState.Snapshot()
	if err := g.Prepare(ctx, &snap); err != nil {
		telemetry.DecodeErrorsTotal.WithLabelValues("local").Inc()
		c.logger.Warn().Err(err).Str("track", track.ID).Msg("track unplayable, skipping")
		c.bus.Publish(events.EventPlaybackError, events.Payload{
			"track": track.ID,
			"error": err.Error(),
		})
		return c.skipLocked(ctx, err)
	}

	// New graph is audible-ready; replace the old one without a gap.
	c.teardownCurrentLocked()
	c.installLocked(g, track, gen)
	g.Play()
	c.state = StatePlaying
	c.publishStateLocked()
	c.startScrobble(track)
	return nil
}

// loadStreamLocked hands the connect work to the supervisor; each attempt
// builds a fresh graph, and the completion re-enters as a command that
// checks the generation before installing.
func (c *Controller) loadStreamLocked(ctx context.Context, track media.Track, gen uint64) {
	// Same-kind swap: the outgoing stream keeps playing through connect and
	// metadata negotiation; the connect completion tears it down only once
	// the replacement is audible-ready. A kind change was already torn down
	// by the caller.
	c.track = track
	c.supervisor.Begin(ctx, track.URL, func(ctx context.Context) error {
		g := c.factory(track, c.cfg, c.logger)
		snap := c.eqState.Snapshot()
		if err := g.Prepare(ctx, &snap); err != nil {
			telemetry.DecodeErrorsTotal.WithLabelValues("stream").Inc()
			return err
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			g.Stop()
			return nil
		}
		c.teardownCurrentLocked()
		c.installLocked(g, track, gen)
		g.Play()
		c.state = StatePlaying
		c.publishStateLocked()
		c.mu.Unlock()

		c.startScrobble(track)
		return nil
	})
}

// installLocked makes g the active graph: spectrum tap, event pump,
// metrics. The equalizer snapshot was already applied during Prepare.
func (c *Controller) installLocked(g graph.Graph, track media.Track, gen uint64) {
	c.cur = g
	c.track = track
	if c.analyzer != nil {
		c.analyzer.Reset()
		g.AttachTap(c.analyzer.Push)
	}
	telemetry.ActiveGraph.Set(float64(track.Source) + 1)
	c.bus.Publish(events.EventPlaybackTrack, events.Payload{
		"track":  track.ID,
		"title":  track.Title,
		"artist": track.Artist,
		"source": track.Source.String(),
	})
	go c.pumpEvents(g, gen)
}

// pumpEvents converts graph events into commands tagged with the graph's
// generation; events from a replaced graph are dropped.
func (c *Controller) pumpEvents(g graph.Graph, gen uint64) {
	for ev := range g.Events() {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		switch ev.Type {
		case graph.EventTrackEnded:
			c.handleTrackEnded(gen)
		case graph.EventStreamError:
			if c.supervisor != nil {
				c.supervisor.NotifyStreamError(ev.Err)
			}
		case graph.EventMetadata:
			if c.supervisor != nil {
				c.supervisor.OnTitle(ev.Title)
			}
		}
	}
}

func (c *Controller) handleTrackEnded(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.crossfading {
		return
	}

	if c.nextReady {
		// Gapless swap: the prepared graph starts at the boundary.
		c.promoteNextLocked(true)
		return
	}

	pos := time.Duration(0)
	if c.cur != nil {
		pos = c.cur.Position()
	}
	c.stopScrobble(pos)
	c.teardownCurrentLocked()

	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.loadLocked(context.Background(), next); err != nil {
			c.logger.Warn().Err(err).Msg("queue advance failed")
		}
		return
	}
	c.state = StateStopped
	c.publishStateLocked()
}

// Play resumes a paused session.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.state != StatePaused {
		return
	}
	c.cur.Resume()
	c.state = StatePlaying
	c.publishStateLocked()
	if c.scrobbler != nil {
		c.queueScrobble(c.scrobbler.TrackResumed)
	}
}

// Pause halts rendering without releasing the source.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.state != StatePlaying {
		return
	}
	c.cur.Pause()
	c.state = StatePaused
	c.publishStateLocked()
	if c.scrobbler != nil {
		c.queueScrobble(c.scrobbler.TrackPaused)
	}
}

// Stop ends the session: supervisor suppressed, graphs torn down,
// telemetry closed with the final position.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.discardNextLocked()
	if c.supervisor != nil {
		c.supervisor.Stop()
	}

	if c.cur != nil {
		c.stopScrobble(c.cur.Position())
	}
	c.teardownCurrentLocked()
	if c.state != StateIdle {
		c.state = StateStopped
		c.publishStateLocked()
	}
}

// Seek repositions local playback. Streams refuse.
func (c *Controller) Seek(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return errors.New("transport: nothing loaded")
	}
	return c.cur.Seek(pos)
}

// Enqueue appends a track to the queue.
func (c *Controller) Enqueue(track media.Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, track)
	c.logger.Debug().Str("track", track.ID).Int("queue", len(c.queue)).Msg("track enqueued")
}

// Next skips to the next queued track.
func (c *Controller) Next(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return errors.New("transport: queue empty")
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return c.loadLocked(ctx, next)
}

// skipLocked advances past an unplayable track; with an empty queue the
// session just stops.
func (c *Controller) skipLocked(ctx context.Context, cause error) error {
	if len(c.queue) == 0 {
		c.state = StateStopped
		c.publishStateLocked()
		return cause
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return c.loadLocked(ctx, next)
}

// SetOutputDevice binds the output; an unavailable device falls back to
// the system default and playback continues.
func (c *Controller) SetOutputDevice(id string) error {
	if c.output == nil {
		return nil
	}
	err := c.output.Select(id)
	if errors.Is(err, device.ErrDeviceUnavailable) {
		if fbErr := c.output.FallbackToDefault(); fbErr != nil {
			return fbErr
		}
		c.bus.Publish(events.EventDeviceChanged, events.Payload{
			"device":   device.DefaultID,
			"fallback": true,
		})
		return nil
	}
	if err == nil {
		c.bus.Publish(events.EventDeviceChanged, events.Payload{"device": id})
	}
	return err
}

// SetGaplessEnabled toggles gapless transitions.
func (c *Controller) SetGaplessEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gaplessEnabled = enabled
	if !enabled {
		c.discardNextLocked()
	}
}

// SetCrossfade configures the crossfade; duration is clamped to the
// supported range.
func (c *Controller) SetCrossfade(enabled bool, duration time.Duration) {
	if duration < time.Second {
		duration = time.Second
	}
	if duration > 10*time.Second {
		duration = 10 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crossfadeEnabled = enabled
	c.crossfadeDuration = duration
}

// Equalizer setters delegate to the shared state; the change callback
// pushes the fresh snapshot into every live graph.

func (c *Controller) SetBand(index int, gainDb float64) { c.eqState.SetBand(index, gainDb) }
func (c *Controller) SetPreamp(gainDb float64)          { c.eqState.SetPreamp(gainDb) }
func (c *Controller) SetEQEnabled(enabled bool)         { c.eqState.SetEnabled(enabled) }
func (c *Controller) SetEQBypass(bypass bool)           { c.eqState.SetBypass(bypass) }

// Status reports the current session for the API surface.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state,
		Track:       c.track,
		Equalizer:   c.eqState.Snapshot(),
		QueueLength: len(c.queue),
	}
	if c.cur != nil {
		st.Position = c.cur.Position()
		st.Duration = c.cur.Duration()
	}
	if c.supervisor != nil {
		st.Connection = c.supervisor.State()
	}
	if c.output != nil {
		st.Device = c.output.Current().ID
	}
	return st
}

// pushEqualizer delivers a fresh snapshot to all live graphs. Each call
// allocates a new pointer so the render paths detect the change.
func (c *Controller) pushEqualizer(snap eq.Snapshot) {
	c.mu.Lock()
	cur, next := c.cur, c.next
	c.mu.Unlock()
	if cur != nil {
		s := snap
		cur.ApplyEqualizer(&s)
	}
	if next != nil {
		s := snap
		next.ApplyEqualizer(&s)
	}
}

// tick is the periodic command: scrobble progress and transition
// lookahead.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	if c.state != StatePlaying || c.cur == nil {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	pos := c.cur.Position()
	remaining := c.cur.Remaining()

	startCrossfade := c.crossfadeEnabled && c.nextReady && remaining > 0 &&
		remaining <= c.crossfadeDuration && !c.crossfading
	if startCrossfade {
		c.beginCrossfadeLocked(gen)
	}

	// Crossfade takes precedence over gapless; lookahead prepare serves
	// both.
	needPrepare := (c.gaplessEnabled || c.crossfadeEnabled) &&
		c.next == nil && !c.preparing && len(c.queue) > 0 &&
		remaining > 0 && remaining <= c.lookaheadLocked()
	if needPrepare {
		c.preparing = true
		track := c.queue[0]
		c.queue = c.queue[1:]
		go c.prepareNext(ctx, track, gen)
	}
	c.mu.Unlock()

	if c.scrobbler != nil {
		c.queueScrobble(func() { c.scrobbler.UpdatePlayback(ctx, pos) })
	}
}

func (c *Controller) lookaheadLocked() time.Duration {
	la := c.gaplessLookahead
	if c.crossfadeEnabled && c.crossfadeDuration > la {
		la = c.crossfadeDuration + time.Second
	}
	return la
}

// prepareNext builds the lookahead graph off the control path; the result
// re-enters as a command.
func (c *Controller) prepareNext(ctx context.Context, track media.Track, gen uint64) {
	g := c.factory(track, c.cfg, c.logger)
	snap := c.eqState.Snapshot()
	err := g.Prepare(ctx, &snap)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparing = false
	if c.gen != gen {
		if err == nil {
			g.Stop()
		}
		return
	}
	if err != nil {
		telemetry.DecodeErrorsTotal.WithLabelValues(track.Source.String()).Inc()
		c.logger.Warn().Err(err).Str("track", track.ID).Msg("lookahead prepare failed")
		return
	}
	c.next = g
	c.nextTrack = track
	c.nextReady = true
	c.logger.Debug().Str("track", track.ID).Msg("next track prepared")
}

// beginCrossfadeLocked starts the incoming graph at zero gain and ramps
// both graphs with equal-power curves. Completion re-enters as commands
// via the scheduler.
func (c *Controller) beginCrossfadeLocked(gen uint64) {
	c.crossfading = true
	outgoing, incoming := c.cur, c.next
	duration := c.crossfadeDuration
	incoming.SetGain(0)
	incoming.Play()
	telemetry.CrossfadesTotal.WithLabelValues("crossfade").Inc()
	c.logger.Info().
		Str("from", c.track.ID).
		Str("to", c.nextTrack.ID).
		Dur("duration", duration).
		Msg("crossfade started")

	step := duration / crossfadeStepCount
	var advance func(i int)
	advance = func(i int) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		frac := float64(i) / crossfadeStepCount
		// Equal-power: outgoing follows cos, incoming follows sin, so
		// combined power stays flat through the overlap.
		outgoing.SetGain(math.Cos(frac * math.Pi / 2))
		incoming.SetGain(math.Sin(frac * math.Pi / 2))

		if i >= crossfadeStepCount {
			c.promoteNextLocked(false)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.sched.AfterFunc(step, func() { advance(i + 1) })
	}
	c.sched.AfterFunc(step, func() { advance(1) })
}

// promoteNextLocked makes the prepared graph current. For gapless the
// incoming graph has not started yet; for crossfade it is already live.
func (c *Controller) promoteNextLocked(startIncoming bool) {
	ended := c.cur
	endedTrack := c.track
	pos := time.Duration(0)
	if ended != nil {
		pos = ended.Position()
	}

	c.gen++
	gen := c.gen
	incoming := c.next
	incomingTrack := c.nextTrack
	c.next = nil
	c.nextReady = false
	c.crossfading = false

	if ended != nil {
		ended.Stop()
	}
	c.stopScrobble(pos)

	c.installLocked(incoming, incomingTrack, gen)
	if startIncoming {
		incoming.Play()
		telemetry.CrossfadesTotal.WithLabelValues("gapless").Inc()
	}
	c.state = StatePlaying
	c.publishStateLocked()
	c.startScrobble(incomingTrack)
	c.logger.Info().
		Str("from", endedTrack.ID).
		Str("to", incomingTrack.ID).
		Msg("track transition complete")
}

func (c *Controller) teardownCurrentLocked() {
	if c.cur == nil {
		return
	}
	c.cur.Stop()
	c.cur = nil
	telemetry.ActiveGraph.Set(0)
	if c.analyzer != nil {
		c.analyzer.Reset()
	}
}

func (c *Controller) discardNextLocked() {
	if c.next != nil {
		c.next.Stop()
		c.next = nil
	}
	c.nextReady = false
	c.crossfading = false
}

// queueScrobble hands a telemetry op to the delivery goroutine. Telemetry
// is fire-and-forget: when delivery is wedged behind a hung endpoint the
// op is dropped rather than blocking the control path, which holds c.mu
// at every call site.
func (c *Controller) queueScrobble(op func()) {
	select {
	case c.scrobbleOps <- op:
	default:
		telemetry.ScrobbleOpsDroppedTotal.Inc()
		c.logger.Warn().Msg("telemetry delivery backed up, event dropped")
	}
}

func (c *Controller) startScrobble(track media.Track) {
	if c.scrobbler == nil {
		return
	}
	c.queueScrobble(func() { c.scrobbler.TrackStarted(context.Background(), track) })
}

func (c *Controller) stopScrobble(pos time.Duration) {
	if c.scrobbler == nil {
		return
	}
	c.queueScrobble(func() { c.scrobbler.TrackStopped(context.Background(), pos) })
}

func (c *Controller) publishStateLocked() {
	c.bus.Publish(events.EventPlaybackState, events.Payload{
		"state": c.state.String(),
		"track": c.track.ID,
	})
}
