// Package media holds the shared track model passed between the transport
// controller, playback graphs, and telemetry reporter.
package media

import (
	"net/url"
	"strings"
	"time"
)

// SourceKind distinguishes how a track's audio is obtained.
type SourceKind int

const (
	// SourceLocal is a file on disk, decoded directly.
	SourceLocal SourceKind = iota
	// SourceStream is a network URL decoded through the streaming graph.
	SourceStream
)

func (k SourceKind) String() string {
	if k == SourceStream {
		return "stream"
	}
	return "local"
}

// Kind distinguishes media types with different scrobble thresholds.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Track describes one playable item. Tracks are immutable; when a
// placeholder resolves to a concrete source it is replaced, not mutated.
type Track struct {
	ID          string
	Title       string
	Artist      string
	Album       string
	Source      SourceKind
	Kind        Kind
	URL         string
	ContentType string
	// Duration is zero until known; streams may never report one.
	Duration time.Duration
}

// HasDuration reports whether the track's length is known.
func (t Track) HasDuration() bool { return t.Duration > 0 }

// KindForURL classifies a raw URL string as local or streaming based on
// its scheme. Anything without an http(s) scheme is treated as a file path.
func KindForURL(raw string) SourceKind {
	u, err := url.Parse(raw)
	if err != nil {
		return SourceLocal
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return SourceStream
	default:
		return SourceLocal
	}
}
