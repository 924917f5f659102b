/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
)

// DefaultMaxAttempts bounds reconnect attempts before giving up.
const DefaultMaxAttempts = 5

// ConnectFunc attempts to (re)open the current stream. It is called once
// per attempt; returning nil means the stream is delivering audio again.
type ConnectFunc func(ctx context.Context) error

// Supervisor drives the connection state machine for the current streaming
// session. All mutations are serialized behind one mutex; timer firings and
// async connect completions re-enter as commands carrying the session
// generation, so completions for a superseded session are dropped without
// side effects.
type Supervisor struct {
	bus         *events.Bus
	logger      zerolog.Logger
	sched       Scheduler
	maxAttempts int

	mu          sync.Mutex
	state       ConnectionState
	url         string
	connect     ConnectFunc
	gen         uint64
	attempt     int
	suppress    bool
	cancelTimer func()
	lastTitle   string
	titleSeen   bool
}

// NewSupervisor creates a supervisor publishing state changes on the bus.
func NewSupervisor(bus *events.Bus, sched Scheduler, maxAttempts int, logger zerolog.Logger) *Supervisor {
	if sched == nil {
		sched = RealScheduler{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		bus:         bus,
		logger:      logger.With().Str("component", "stream-supervisor").Logger(),
		sched:       sched,
		maxAttempts: maxAttempts,
		state:       Disconnected(),
	}
}

// BackoffDelay returns the delay before reconnect attempt n (1-based):
// 2^n seconds, so attempts 1..5 wait 2, 4, 8, 16, 32 seconds.
func BackoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Begin starts supervising a new stream session, replacing any previous
// one. Pending reconnects for the old session are cancelled and their
// completions become stale.
func (s *Supervisor) Begin(ctx context.Context, url string, connect ConnectFunc) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.url = url
	s.connect = connect
	s.attempt = 0
	s.suppress = false
	s.lastTitle = ""
	s.titleSeen = false
	s.dropTimerLocked()
	s.setStateLocked(Connecting())
	s.mu.Unlock()

	s.logger.Info().Str("url", url).Msg("stream connecting")
	go s.runConnect(ctx, gen)
}

// Stop suppresses any scheduled reconnect, cancels a pending timer, and
// returns the machine to disconnected. Safe to call in any state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++ // in-flight completions become stale
	s.suppress = true
	s.dropTimerLocked()
	s.connect = nil
	if s.state.Kind != KindDisconnected {
		s.setStateLocked(Disconnected())
	}
}

// NotifyStreamError reports that the connected stream dropped. The
// supervisor schedules a reconnect with backoff.
func (s *Supervisor) NotifyStreamError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suppress || s.state.Kind == KindDisconnected || s.state.Kind == KindFailed {
		return
	}
	s.logger.Warn().Err(err).Str("url", s.url).Msg("stream dropped")
	s.scheduleReconnectLocked(err)
}

// OnTitle feeds a raw metadata title. The trimmed value is re-emitted only
// when it differs from the last emitted value.
func (s *Supervisor) OnTitle(title string) {
	title = strings.TrimSpace(title)

	s.mu.Lock()
	if s.titleSeen && title == s.lastTitle {
		s.mu.Unlock()
		return
	}
	s.lastTitle = title
	s.titleSeen = true
	url := s.url
	s.mu.Unlock()

	s.logger.Info().Str("title", title).Msg("stream metadata changed")
	if s.bus != nil {
		s.bus.Publish(events.EventMetadataTitle, events.Payload{
			"title": title,
			"url":   url,
		})
	}
}

// State returns the current connection state. This doubles as the
// last-known state read by the external state manager at shutdown.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// runConnect executes one connect attempt off the control path and
// delivers the completion as a command.
func (s *Supervisor) runConnect(ctx context.Context, gen uint64) {
	connect := func() ConnectFunc {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return nil
		}
		return s.connect
	}()
	if connect == nil {
		return
	}

	err := connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.suppress {
		// Session replaced or stopped while connecting; discard the result.
		return
	}

	if err == nil {
		s.attempt = 0
		s.setStateLocked(Connected())
		s.logger.Info().Str("url", s.url).Msg("stream connected")
		return
	}

	s.logger.Warn().Err(err).Str("url", s.url).Int("attempt", s.attempt).Msg("stream connect failed")
	s.scheduleReconnectLocked(err)
}

// scheduleReconnectLocked advances to reconnecting(n+1) or failed.
func (s *Supervisor) scheduleReconnectLocked(cause error) {
	s.dropTimerLocked()
	s.attempt++
	if s.attempt > s.maxAttempts {
		msg := "connection lost"
		if cause != nil {
			msg = cause.Error()
		}
		s.setStateLocked(Failed(msg))
		s.logger.Error().Str("url", s.url).Int("attempts", s.attempt-1).Msg("stream failed, giving up")
		return
	}

	delay := BackoffDelay(s.attempt)
	s.setStateLocked(Reconnecting(s.attempt))
	telemetry.StreamReconnectAttemptsTotal.WithLabelValues(s.url).Inc()
	s.logger.Info().
		Str("url", s.url).
		Int("attempt", s.attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	gen := s.gen
	s.cancelTimer = s.sched.AfterFunc(delay, func() {
		s.onTimer(gen)
	})
}

// onTimer fires a scheduled reconnect. Stale generations and suppressed
// sessions are dropped without side effects.
func (s *Supervisor) onTimer(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.suppress || s.state.Kind != KindReconnecting {
		s.mu.Unlock()
		return
	}
	s.cancelTimer = nil
	s.setStateLocked(Connecting())
	s.mu.Unlock()

	go s.runConnect(context.Background(), gen)
}

func (s *Supervisor) dropTimerLocked() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}

// setStateLocked records and publishes a state transition. Transitions to
// an Equal state are still published; subscribers deduplicate with Equal.
func (s *Supervisor) setStateLocked(next ConnectionState) {
	prev := s.state
	s.state = next
	telemetry.StreamConnectionState.WithLabelValues(s.url).Set(float64(next.Kind))

	if s.bus != nil && !prev.Equal(next) {
		s.bus.Publish(events.EventConnectionState, events.Payload{
			"state":   next.String(),
			"kind":    int(next.Kind),
			"attempt": next.Attempt,
			"message": next.Message,
			"url":     s.url,
		})
	}
}
