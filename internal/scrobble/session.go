/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scrobble

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/media"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
)

const (
	// audioPositionFloor scrobbles long audio tracks early: four minutes of
	// position counts as played, but only on tracks long enough that the
	// halfway mark is still more than another floor interval away.
	// Mid-length tracks wait for the fraction threshold.
	audioPositionFloor = 240 * time.Second
	audioFraction      = 0.50

	videoFraction      = 0.90
	videoPlayTimeFloor = 60 * time.Second

	// maxScrobbleAttempts bounds guard-flag resets during a reporting
	// outage so a dead endpoint is not hammered for a whole track.
	maxScrobbleAttempts = 8

	defaultVideoProgressInterval = 10 * time.Second
)

// session is the per-track telemetry state, discarded on stop or change.
type session struct {
	id    string
	track media.Track

	startSent        bool
	scrobbled        bool
	scrobbleAttempts int

	paused       bool
	playStart    time.Time
	accrued      time.Duration
	lastProgress time.Time
}

// actualPlayTime returns accumulated non-paused wall-clock time.
func (s *session) actualPlayTime(now time.Time) time.Duration {
	if s.paused || s.playStart.IsZero() {
		return s.accrued
	}
	return s.accrued + now.Sub(s.playStart)
}

// Service converts raw position updates into telemetry events. Calls are
// synchronous; the caller decides whether to dispatch them off its control
// path. Delivery failures never propagate: progress errors are dropped and
// scrobble errors reset the guard for a later retry.
type Service struct {
	reporter Reporter
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time

	videoProgressInterval time.Duration

	mu  sync.Mutex
	cur *session
}

// NewService creates a telemetry service using the wall clock.
func NewService(reporter Reporter, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		reporter:              reporter,
		bus:                   bus,
		logger:                logger.With().Str("component", "scrobble").Logger(),
		now:                   time.Now,
		videoProgressInterval: defaultVideoProgressInterval,
	}
}

// SetClock replaces the time source. Tests use this to control accrual.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetVideoProgressInterval overrides the video progress cadence.
// Non-positive values are ignored.
func (s *Service) SetVideoProgressInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.videoProgressInterval = d
	s.mu.Unlock()
}

// TrackStarted opens a session for the track and sends now-playing once.
// Any previous session is discarded without a stopped event; callers send
// TrackStopped first when they want one.
func (s *Service) TrackStarted(ctx context.Context, track media.Track) {
	s.mu.Lock()
	now := s.now()
	s.cur = &session{
		id:        uuid.NewString(),
		track:     track,
		playStart: now,
	}
	sess := s.cur
	s.mu.Unlock()

	s.logger.Info().
		Str("session", sess.id).
		Str("track", track.ID).
		Str("kind", track.Kind.String()).
		Msg("telemetry session started")

	if err := s.reporter.NowPlaying(ctx, track); err != nil {
		// Start is best effort; the flag stays set so it is not re-sent.
		s.logger.Warn().Err(err).Str("track", track.ID).Msg("now-playing report failed")
	}
	s.mu.Lock()
	if s.cur == sess {
		sess.startSent = true
	}
	s.mu.Unlock()
}

// UpdatePlayback handles a position update: progress reporting per media
// kind cadence, then the scrobble condition.
func (s *Service) UpdatePlayback(ctx context.Context, position time.Duration) {
	s.mu.Lock()
	sess := s.cur
	if sess == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	track := sess.track

	sendProgress := true
	if track.Kind == media.KindVideo {
		sendProgress = sess.lastProgress.IsZero() || now.Sub(sess.lastProgress) >= s.videoProgressInterval
	}
	if sendProgress {
		sess.lastProgress = now
	}

	shouldScrobble := false
	if !sess.scrobbled && sess.scrobbleAttempts < maxScrobbleAttempts &&
		conditionMet(track, position, sess.actualPlayTime(now)) {
		sess.scrobbled = true
		sess.scrobbleAttempts++
		shouldScrobble = true
	}
	s.mu.Unlock()

	if sendProgress {
		if err := s.reporter.Progress(ctx, track, position); err != nil {
			s.logger.Debug().Err(err).Str("track", track.ID).Msg("progress report dropped")
		}
	}

	if shouldScrobble {
		s.sendScrobble(ctx, sess, track, position)
	}
}

// TrackPaused stops the actual-play-time accrual clock.
func (s *Service) TrackPaused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.cur
	if sess == nil || sess.paused {
		return
	}
	now := s.now()
	if !sess.playStart.IsZero() {
		sess.accrued += now.Sub(sess.playStart)
	}
	sess.paused = true
	sess.playStart = time.Time{}
}

// TrackResumed restarts the accrual clock.
func (s *Service) TrackResumed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.cur
	if sess == nil || !sess.paused {
		return
	}
	sess.paused = false
	sess.playStart = s.now()
}

// TrackStopped sends the stopped event with the final position and
// discards the session regardless of scrobble state.
func (s *Service) TrackStopped(ctx context.Context, position time.Duration) {
	s.mu.Lock()
	sess := s.cur
	s.cur = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}

	if err := s.reporter.Stopped(ctx, sess.track, position); err != nil {
		s.logger.Warn().Err(err).Str("track", sess.track.ID).Msg("stopped report failed")
	}
	s.logger.Info().
		Str("session", sess.id).
		Str("track", sess.track.ID).
		Dur("position", position).
		Bool("scrobbled", sess.scrobbled).
		Msg("telemetry session closed")
}

func (s *Service) sendScrobble(ctx context.Context, sess *session, track media.Track, position time.Duration) {
	err := s.reporter.Scrobble(ctx, track, position)

	s.mu.Lock()
	current := s.cur == sess
	if err != nil && current {
		// Reset the guard so a later position update retries, up to the
		// attempt cap.
		sess.scrobbled = false
	}
	attempts := sess.scrobbleAttempts
	s.mu.Unlock()

	if err != nil {
		telemetry.ScrobblesTotal.WithLabelValues(track.Kind.String(), "failed").Inc()
		s.logger.Warn().Err(err).
			Str("track", track.ID).
			Int("attempts", attempts).
			Msg("scrobble failed")
		if s.bus != nil {
			s.bus.Publish(events.EventScrobbleFailed, events.Payload{
				"track": track.ID,
				"error": err.Error(),
			})
		}
		return
	}

	telemetry.ScrobblesTotal.WithLabelValues(track.Kind.String(), "sent").Inc()
	s.logger.Info().Str("track", track.ID).Dur("position", position).Msg("scrobbled")
	if s.bus != nil {
		s.bus.Publish(events.EventScrobbleSent, events.Payload{
			"track":    track.ID,
			"position": position.Seconds(),
		})
	}
}

// conditionMet evaluates the per-kind scrobble threshold.
func conditionMet(track media.Track, position, actualPlay time.Duration) bool {
	switch track.Kind {
	case media.KindVideo:
		if !track.HasDuration() {
			return false
		}
		fraction := float64(position) / float64(track.Duration)
		return fraction >= videoFraction && actualPlay >= videoPlayTimeFloor
	default:
		if !track.HasDuration() {
			return false
		}
		fraction := float64(position) / float64(track.Duration)
		if fraction >= audioFraction {
			return true
		}
		return position >= audioPositionFloor && track.Duration > 4*audioPositionFloor
	}
}
