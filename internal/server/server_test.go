package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/config"
	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/stream"
	"github.com/ad-repo/adamp-sub001/internal/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		HTTPBind:          "127.0.0.1",
		HTTPPort:          0,
		SampleRate:        44100,
		StreamUserAgent:   "adamp/1.0",
		GaplessLookahead:  5 * time.Second,
		CrossfadeDuration: 2 * time.Second,
	}
	bus := events.NewBus()
	eqState := eq.NewState()
	sup := stream.NewSupervisor(bus, nil, 5, zerolog.Nop())
	ctrl := transport.New(cfg, bus, eqState, nil, sup, nil, nil, nil, zerolog.Nop())
	return New(cfg, bus, ctrl, eqState, nil, nil, nil, zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatusIdle(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["state"] != "idle" {
		t.Fatalf("state = %v, want idle", body["state"])
	}
}

func TestSetBandClampsAndEchoes(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPut, "/api/eq/band/3", `{"gain_db": 40}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", rec.Code, rec.Body.String())
	}
	var body equalizerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Bands[3] != eq.GainMax {
		t.Fatalf("band 3 = %v, want clamped to %v", body.Bands[3], eq.GainMax)
	}
}

func TestSetBandRejectsBadIndex(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/eq/band/10", "/api/eq/band/-1", "/api/eq/band/x"} {
		rec := doJSON(t, s, http.MethodPut, path, `{"gain_db": 1}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s code = %d, want 400", path, rec.Code)
		}
	}
}

func TestLoadRequiresSource(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/transport/load", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestLoadUnplayableReportsSkip(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/transport/load", `{"url":"/nonexistent/track.mp3"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "skipped" {
		t.Fatalf("status = %q, want skipped", body["status"])
	}
}

func TestSeekWithoutTrackConflicts(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/transport/seek", `{"position_seconds": 10}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}
}

func TestPresetEndpointsWithoutStore(t *testing.T) {
	s := newTestServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/api/eq/presets", ""); rec.Code != http.StatusOK {
		t.Fatalf("list code = %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/api/eq/presets/rock", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("apply code = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestParseEventTypes(t *testing.T) {
	got := parseEventTypes("playback.state, spectrum.frame,")
	if len(got) != 2 || got[0] != events.EventPlaybackState || got[1] != events.EventSpectrumFrame {
		t.Fatalf("parsed = %v", got)
	}
	if parseEventTypes("") != nil {
		t.Fatal("empty input should return nil")
	}
}
