/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SampleRate != 44100 {
		t.Fatalf("unexpected sample rate: %d", cfg.SampleRate)
	}
	if cfg.CrossfadeDuration != 3*time.Second {
		t.Fatalf("unexpected crossfade duration: %s", cfg.CrossfadeDuration)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("unexpected reconnect max attempts: %d", cfg.ReconnectMaxAttempts)
	}
}

func TestLoadRejectsOutOfRangeCrossfade(t *testing.T) {
	t.Setenv("ADAMP_CROSSFADE_SECONDS", "15")
	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for crossfade > 10s")
	}

	t.Setenv("ADAMP_CROSSFADE_SECONDS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for crossfade < 1s")
	}
}

func TestLoadRejectsUnsupportedSampleRate(t *testing.T) {
	t.Setenv("ADAMP_SAMPLE_RATE", "12345")
	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for unsupported sample rate")
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("SCROBBLE_URL", "http://example.com/scrobble")
	t.Setenv("OUTPUT_DEVICE", "builtin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) < 2 {
		t.Fatalf("expected legacy env warnings, got %v", cfg.LegacyEnvWarnings)
	}
}

func TestLoadProductionRequiresScrobbleToken(t *testing.T) {
	t.Setenv("ADAMP_ENV", "production")
	t.Setenv("ADAMP_SCROBBLE_ENDPOINT", "https://music.example.com/rest/scrobble")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail without scrobble auth token")
	}

	t.Setenv("ADAMP_SCROBBLE_AUTH_TOKEN", "token")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with token to succeed: %v", err)
	}
}
