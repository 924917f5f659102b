/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolver turns server-scoped track identifiers into playable
// URLs. Credential handling stays on the media server side; this client
// only forwards a bearer token.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Resolver resolves a server track id to a playable URL. Failures are
// treated like decode errors by the caller: skip and continue.
type Resolver interface {
	Resolve(ctx context.Context, serverTrackID string) (string, error)
}

// resolveResponse is the media server's answer.
type resolveResponse struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// HTTPResolver asks a media server for stream URLs.
type HTTPResolver struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    zerolog.Logger
}

// NewHTTPResolver creates a resolver against baseURL.
func NewHTTPResolver(baseURL, authToken string, logger zerolog.Logger) *HTTPResolver {
	return &HTTPResolver{
		baseURL:   baseURL,
		authToken: authToken,
		logger:    logger.With().Str("component", "resolver").Logger(),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, serverTrackID string) (string, error) {
	endpoint := fmt.Sprintf("%s/tracks/%s/stream", r.baseURL, url.PathEscape(serverTrackID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", serverTrackID, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", serverTrackID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s: server returned %d", serverTrackID, resp.StatusCode)
	}

	var parsed resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("resolve %s: %w", serverTrackID, err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("resolve %s: empty url in response", serverTrackID)
	}

	r.logger.Debug().Str("track", serverTrackID).Msg("track resolved")
	return parsed.URL, nil
}
