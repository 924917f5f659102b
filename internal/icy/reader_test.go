/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package icy

import (
	"bytes"
	"io"
	"testing"
)

// buildStream interleaves audio chunks with metadata blocks the way an ICY
// server does: metaint audio bytes, then a length byte and padded metadata.
func buildStream(metaint int, audio []byte, titles []string) []byte {
	var out bytes.Buffer
	pos := 0
	i := 0
	for pos < len(audio) {
		end := pos + metaint
		if end > len(audio) {
			end = len(audio)
		}
		out.Write(audio[pos:end])
		pos = end
		if pos == len(audio) && i >= len(titles) {
			break
		}

		if i < len(titles) {
			meta := "StreamTitle='" + titles[i] + "';"
			pad := (len(meta) + 15) / 16 * 16
			out.WriteByte(byte(pad / 16))
			out.WriteString(meta)
			out.Write(make([]byte, pad-len(meta)))
			i++
		} else {
			out.WriteByte(0)
		}
	}
	return out.Bytes()
}

func TestReaderStripsMetadata(t *testing.T) {
	audio := make([]byte, 50)
	for i := range audio {
		audio[i] = byte(i)
	}

	var titles []string
	r := NewReader(bytes.NewReader(buildStream(16, audio, []string{"One", "Two"})), 16, func(s string) {
		titles = append(titles, s)
	})

	got, err := io.ReadAll(r)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("audio payload corrupted: got %d bytes", len(got))
	}
	if len(titles) != 2 || titles[0] != "One" || titles[1] != "Two" {
		t.Fatalf("unexpected titles: %v", titles)
	}
}

func TestReaderPassthroughWithoutMetaint(t *testing.T) {
	payload := []byte("raw mp3 bytes, no metadata framing")
	r := NewReader(bytes.NewReader(payload), 0, func(string) {
		t.Fatal("no titles expected without metaint")
	})
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("passthrough payload corrupted")
	}
}

func TestParseTitle(t *testing.T) {
	cases := []struct {
		meta  string
		want  string
		found bool
	}{
		{"StreamTitle='Artist - Song';StreamUrl='';", "Artist - Song", true},
		{"StreamTitle='  padded  ';", "padded", true},
		{"Title='Fallback Key';", "Fallback Key", true},
		{"StreamTitle='';", "", true},
		{"SomethingElse='x';", "", false},
		{"StreamTitle='broken", "", false},
	}
	for _, tc := range cases {
		got, found := ParseTitle(tc.meta)
		if found != tc.found || got != tc.want {
			t.Fatalf("ParseTitle(%q) = (%q, %v), want (%q, %v)", tc.meta, got, found, tc.want, tc.found)
		}
	}
}
