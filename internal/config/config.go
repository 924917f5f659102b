/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	// Audio output
	SampleRate   int
	OutputDevice string // empty means system default
	SpeakerBufMS int    // speaker buffer length in milliseconds

	// Transitions
	GaplessEnabled    bool
	GaplessLookahead  time.Duration
	CrossfadeEnabled  bool
	CrossfadeDuration time.Duration

	// Streaming
	StreamUserAgent      string
	StreamReadTimeout    time.Duration
	ReconnectMaxAttempts int

	// Equalizer presets (optional YAML file)
	EQPresetPath string

	// Scrobble reporting
	ScrobbleEndpoint    string
	ScrobbleAuthToken   string
	ProgressIntervalS   int // video progress cadence, seconds
	ScrobbleHTTPTimeout time.Duration

	// Track resolver (server-scoped stream IDs -> playable URLs)
	ResolverBaseURL   string
	ResolverAuthToken string

	// External event publishing (optional)
	NATSURL string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ADAMP_ENV", "development"),
		HTTPBind:    getEnv("ADAMP_HTTP_BIND", "127.0.0.1"),
		HTTPPort:    getEnvInt("ADAMP_HTTP_PORT", 8180),
		MetricsBind: getEnv("ADAMP_METRICS_BIND", "127.0.0.1:9100"),

		SampleRate:   getEnvInt("ADAMP_SAMPLE_RATE", 44100),
		OutputDevice: getEnv("ADAMP_OUTPUT_DEVICE", ""),
		SpeakerBufMS: getEnvInt("ADAMP_SPEAKER_BUFFER_MS", 100),

		GaplessEnabled:    getEnvBool("ADAMP_GAPLESS_ENABLED", true),
		GaplessLookahead:  time.Duration(getEnvInt("ADAMP_GAPLESS_LOOKAHEAD_SECONDS", 5)) * time.Second,
		CrossfadeEnabled:  getEnvBool("ADAMP_CROSSFADE_ENABLED", false),
		CrossfadeDuration: time.Duration(getEnvInt("ADAMP_CROSSFADE_SECONDS", 3)) * time.Second,

		StreamUserAgent:      getEnv("ADAMP_STREAM_USER_AGENT", "adamp/1.0"),
		StreamReadTimeout:    time.Duration(getEnvInt("ADAMP_STREAM_READ_TIMEOUT_SECONDS", 10)) * time.Second,
		ReconnectMaxAttempts: getEnvInt("ADAMP_RECONNECT_MAX_ATTEMPTS", 5),

		EQPresetPath: getEnv("ADAMP_EQ_PRESET_PATH", ""),

		ScrobbleEndpoint:    getEnv("ADAMP_SCROBBLE_ENDPOINT", ""),
		ScrobbleAuthToken:   getEnv("ADAMP_SCROBBLE_AUTH_TOKEN", ""),
		ProgressIntervalS:   getEnvInt("ADAMP_PROGRESS_INTERVAL_SECONDS", 10),
		ScrobbleHTTPTimeout: time.Duration(getEnvInt("ADAMP_SCROBBLE_HTTP_TIMEOUT_SECONDS", 10)) * time.Second,

		ResolverBaseURL:   getEnv("ADAMP_RESOLVER_BASE_URL", ""),
		ResolverAuthToken: getEnv("ADAMP_RESOLVER_AUTH_TOKEN", ""),

		NATSURL: getEnv("ADAMP_NATS_URL", ""),
	}

	if cfg.SampleRate != 22050 && cfg.SampleRate != 44100 && cfg.SampleRate != 48000 {
		return nil, fmt.Errorf("unsupported sample rate %d", cfg.SampleRate)
	}

	if cfg.CrossfadeDuration < time.Second || cfg.CrossfadeDuration > 10*time.Second {
		return nil, fmt.Errorf("crossfade duration must be between 1s and 10s, got %s", cfg.CrossfadeDuration)
	}

	if cfg.ReconnectMaxAttempts < 1 {
		return nil, fmt.Errorf("reconnect max attempts must be at least 1")
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.ScrobbleEndpoint != "" && cfg.ScrobbleAuthToken == "" {
		return nil, fmt.Errorf("ADAMP_SCROBBLE_AUTH_TOKEN must be set when scrobbling is enabled in production")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":    "use ADAMP_ENV",
		"CROSSFADE_SECS": "use ADAMP_CROSSFADE_SECONDS",
		"SCROBBLE_URL":   "use ADAMP_SCROBBLE_ENDPOINT",
		"OUTPUT_DEVICE":  "use ADAMP_OUTPUT_DEVICE",
		"NATS_URL":       "use ADAMP_NATS_URL",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}
