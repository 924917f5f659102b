/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scrobble reports playback telemetry (now-playing, progress,
// stopped, scrobble) to a media server and decides when a track counts
// as played.
package scrobble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/media"
)

// Reporter delivers telemetry events to the media server.
type Reporter interface {
	NowPlaying(ctx context.Context, track media.Track) error
	Progress(ctx context.Context, track media.Track, position time.Duration) error
	Scrobble(ctx context.Context, track media.Track, position time.Duration) error
	Stopped(ctx context.Context, track media.Track, position time.Duration) error
}

// ReportError wraps a delivery failure with the event that failed.
type ReportError struct {
	Event string
	Err   error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report %s: %v", e.Event, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// reportPayload is the JSON body posted per event.
type reportPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	TrackID   string    `json:"track_id"`
	Title     string    `json:"title,omitempty"`
	Artist    string    `json:"artist,omitempty"`
	Album     string    `json:"album,omitempty"`
	Kind      string    `json:"kind"`
	Position  float64   `json:"position_seconds"`
	Duration  float64   `json:"duration_seconds,omitempty"`
}

// HTTPReporter posts telemetry events as JSON to a single endpoint.
type HTTPReporter struct {
	endpoint  string
	authToken string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// NewHTTPReporter creates a reporter for the given endpoint. A zero
// timeout falls back to ten seconds.
func NewHTTPReporter(endpoint, authToken, userAgent string, timeout time.Duration, logger zerolog.Logger) *HTTPReporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReporter{
		endpoint:  endpoint,
		authToken: authToken,
		userAgent: userAgent,
		logger:    logger.With().Str("component", "scrobble-reporter").Logger(),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *HTTPReporter) NowPlaying(ctx context.Context, track media.Track) error {
	return r.post(ctx, "now_playing", track, 0)
}

func (r *HTTPReporter) Progress(ctx context.Context, track media.Track, position time.Duration) error {
	return r.post(ctx, "progress", track, position)
}

func (r *HTTPReporter) Scrobble(ctx context.Context, track media.Track, position time.Duration) error {
	return r.post(ctx, "scrobble", track, position)
}

func (r *HTTPReporter) Stopped(ctx context.Context, track media.Track, position time.Duration) error {
	return r.post(ctx, "stopped", track, position)
}

func (r *HTTPReporter) post(ctx context.Context, event string, track media.Track, position time.Duration) error {
	payload := reportPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		TrackID:   track.ID,
		Title:     track.Title,
		Artist:    track.Artist,
		Album:     track.Album,
		Kind:      track.Kind.String(),
		Position:  position.Seconds(),
	}
	if track.HasDuration() {
		payload.Duration = track.Duration.Seconds()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &ReportError{Event: event, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ReportError{Event: event, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.userAgent)
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &ReportError{Event: event, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ReportError{Event: event, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}

	r.logger.Debug().Str("event", event).Str("track", track.ID).Msg("telemetry delivered")
	return nil
}
