/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the playback core over HTTP: a JSON control
// surface for the transport and equalizer, a websocket event feed for
// UIs, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/config"
	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/logbuffer"
	"github.com/ad-repo/adamp-sub001/internal/media"
	"github.com/ad-repo/adamp-sub001/internal/resolver"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
	"github.com/ad-repo/adamp-sub001/internal/transport"
)

// Server bundles the HTTP control surface.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	bus        *events.Bus
	controller *transport.Controller
	eqState    *eq.State
	presets    *eq.PresetStore
	resolver   resolver.Resolver
	logBuffer  *logbuffer.Buffer
}

// New wires the router. presets and res may be nil when unconfigured.
func New(cfg *config.Config, bus *events.Bus, controller *transport.Controller, eqState *eq.State,
	presets *eq.PresetStore, res resolver.Resolver, logBuf *logbuffer.Buffer, logger zerolog.Logger) *Server {

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		bus:        bus,
		controller: controller,
		eqState:    eqState,
		presets:    presets,
		resolver:   res,
		logBuffer:  logBuf,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Websocket connections outlive any sane request timeout.
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", telemetry.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Route("/transport", func(r chi.Router) {
			r.Post("/load", s.handleLoad)
			r.Post("/play", s.handlePlay)
			r.Post("/pause", s.handlePause)
			r.Post("/stop", s.handleStop)
			r.Post("/seek", s.handleSeek)
			r.Post("/next", s.handleNext)
			r.Post("/enqueue", s.handleEnqueue)
			r.Put("/device", s.handleSetDevice)
			r.Put("/gapless", s.handleSetGapless)
			r.Put("/crossfade", s.handleSetCrossfade)
		})
		r.Route("/eq", func(r chi.Router) {
			r.Get("/", s.handleGetEqualizer)
			r.Put("/band/{index}", s.handleSetBand)
			r.Put("/preamp", s.handleSetPreamp)
			r.Put("/enabled", s.handleSetEQEnabled)
			r.Put("/bypass", s.handleSetEQBypass)
			r.Get("/presets", s.handleListPresets)
			r.Post("/presets/{name}", s.handleApplyPreset)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
		r.Get("/ws", s.handleEvents)
	})

	s.router = router
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loadRequest struct {
	URL      string `json:"url"`
	ServerID string `json:"server_id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Kind     string `json:"kind"`
	Duration int    `json:"duration_seconds"`
}

func (s *Server) trackFromRequest(ctx context.Context, req loadRequest) (media.Track, error) {
	url := req.URL
	if url == "" && req.ServerID != "" {
		if s.resolver == nil {
			return media.Track{}, errors.New("no resolver configured")
		}
		resolved, err := s.resolver.Resolve(ctx, req.ServerID)
		if err != nil {
			return media.Track{}, err
		}
		url = resolved
	}
	if url == "" {
		return media.Track{}, errors.New("url or server_id required")
	}

	kind := media.KindAudio
	if strings.EqualFold(req.Kind, "video") {
		kind = media.KindVideo
	}
	id := req.ServerID
	if id == "" {
		id = url
	}
	return media.Track{
		ID:       id,
		Title:    req.Title,
		Artist:   req.Artist,
		Album:    req.Album,
		Source:   media.KindForURL(url),
		Kind:     kind,
		URL:      url,
		Duration: time.Duration(req.Duration) * time.Second,
	}, nil
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	track, err := s.trackFromRequest(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.Load(r.Context(), track); err != nil {
		// Unplayable sources are a skip, not a server failure.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "skipped", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "track": track.ID})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	track, err := s.trackFromRequest(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.controller.Enqueue(track)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued", "track": track.ID})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.controller.Play()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controller.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionSeconds float64 `json:"position_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	pos := time.Duration(req.PositionSeconds * float64(time.Second))
	if err := s.controller.Seek(pos); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Next(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.controller.SetOutputDevice(req.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetGapless(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetGaplessEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetCrossfade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled         bool    `json:"enabled"`
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetCrossfade(req.Enabled, time.Duration(req.DurationSeconds*float64(time.Second)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type equalizerResponse struct {
	Bands   []float64 `json:"bands"`
	Preamp  float64   `json:"preamp"`
	Enabled bool      `json:"enabled"`
	Bypass  bool      `json:"bypass"`
}

func equalizerJSON(snap eq.Snapshot) equalizerResponse {
	return equalizerResponse{
		Bands:   snap.Bands[:],
		Preamp:  snap.Preamp,
		Enabled: snap.Enabled,
		Bypass:  snap.Bypass,
	}
}

func (s *Server) handleGetEqualizer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleSetBand(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 || index >= eq.NumBands {
		writeError(w, http.StatusBadRequest, "invalid_band_index")
		return
	}
	var req struct {
		GainDB float64 `json:"gain_db"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetBand(index, req.GainDB)
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleSetPreamp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GainDB float64 `json:"gain_db"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetPreamp(req.GainDB)
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleSetEQEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetEQEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleSetEQBypass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.controller.SetEQBypass(req.Enabled)
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	if s.presets == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.presets.Names())
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	if s.presets == nil {
		writeError(w, http.StatusNotFound, "no_presets_configured")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.presets.Apply(name, s.eqState); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, equalizerJSON(s.eqState.Snapshot()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            st.State.String(),
		"track":            st.Track.ID,
		"title":            st.Track.Title,
		"artist":           st.Track.Artist,
		"source":           st.Track.Source.String(),
		"position_seconds": st.Position.Seconds(),
		"duration_seconds": st.Duration.Seconds(),
		"connection":       st.Connection.String(),
		"queue_length":     st.QueueLength,
		"device":           st.Device,
		"equalizer":        equalizerJSON(st.Equalizer),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries := s.logBuffer.Query(logbuffer.QueryParams{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Search:    r.URL.Query().Get("search"),
		Limit:     limit,
	})
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
