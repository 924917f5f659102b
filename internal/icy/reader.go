/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package icy strips inline Shoutcast/Icecast metadata from an audio stream
// and surfaces the embedded now-playing title.
package icy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// MetaIntHeader is the response header carrying the metadata interval.
const MetaIntHeader = "icy-metaint"

// RequestMetadata marks a request as metadata-capable.
func RequestMetadata(req *http.Request) {
	req.Header.Set("Icy-MetaData", "1")
}

// Interval reads the metadata interval from a stream response. Zero means
// the server sends no inline metadata.
func Interval(resp *http.Response) int {
	val := resp.Header.Get(MetaIntHeader)
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Reader removes metadata blocks from an ICY stream, passing pure audio
// bytes through to the caller. Each parsed title is handed to onTitle;
// deduplication is the consumer's concern.
type Reader struct {
	src     *bufio.Reader
	metaint int
	until   int // audio bytes remaining before the next metadata block
	onTitle func(string)
}

// NewReader wraps src. With metaint <= 0 the reader is a plain passthrough.
func NewReader(src io.Reader, metaint int, onTitle func(string)) *Reader {
	return &Reader{
		src:     bufio.NewReaderSize(src, 32*1024),
		metaint: metaint,
		until:   metaint,
		onTitle: onTitle,
	}
}

// Read implements io.Reader over the audio payload.
func (r *Reader) Read(p []byte) (int, error) {
	if r.metaint <= 0 {
		return r.src.Read(p)
	}

	if r.until == 0 {
		if err := r.readMetadata(); err != nil {
			return 0, err
		}
		r.until = r.metaint
	}

	if len(p) > r.until {
		p = p[:r.until]
	}
	n, err := r.src.Read(p)
	r.until -= n
	return n, err
}

// readMetadata consumes one metadata block: a length byte (units of 16
// bytes) followed by the padded metadata string.
func (r *Reader) readMetadata() error {
	lenByte, err := r.src.ReadByte()
	if err != nil {
		return fmt.Errorf("read metadata length: %w", err)
	}
	metaLen := int(lenByte) * 16
	if metaLen == 0 {
		return nil
	}

	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r.src, meta); err != nil {
		return fmt.Errorf("read metadata block: %w", err)
	}

	if title, ok := ParseTitle(string(meta)); ok && r.onTitle != nil {
		r.onTitle(title)
	}
	return nil
}

// ParseTitle extracts the now-playing title from a metadata block. The
// primary key is StreamTitle; Title is accepted as a fallback. The value is
// trimmed of surrounding whitespace and NUL padding.
func ParseTitle(meta string) (string, bool) {
	for _, key := range []string{"StreamTitle='", "Title='"} {
		start := strings.Index(meta, key)
		if start < 0 {
			continue
		}
		start += len(key)
		end := strings.Index(meta[start:], "';")
		if end < 0 {
			continue
		}
		title := strings.TrimSpace(strings.Trim(meta[start:start+end], "\x00"))
		return title, true
	}
	return "", false
}
