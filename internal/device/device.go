/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package device abstracts audio output selection. The speaker backend
// only exposes the system default device, so richer enumeration comes from
// external collaborators implementing Enumerator.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog"
)

// ErrDeviceUnavailable is returned when a requested output device cannot
// be bound. The transport controller falls back to the default device.
var ErrDeviceUnavailable = errors.New("device: output unavailable")

// DefaultID is the system default output device.
const DefaultID = "default"

const defaultSpeakerBuffer = 100 * time.Millisecond

// Device describes one audio output.
type Device struct {
	ID      string
	Name    string
	Default bool
}

// Enumerator lists available outputs.
type Enumerator interface {
	Devices() ([]Device, error)
	Default() (Device, error)
}

// Selector binds playback output to a device.
type Selector interface {
	// Select binds output to the device with the given id, returning
	// ErrDeviceUnavailable when it cannot be bound.
	Select(id string) error
	Current() Device
}

// SystemEnumerator exposes the system default output only.
type SystemEnumerator struct{}

func (SystemEnumerator) Devices() ([]Device, error) {
	return []Device{{ID: DefaultID, Name: "System Default", Default: true}}, nil
}

func (SystemEnumerator) Default() (Device, error) {
	return Device{ID: DefaultID, Name: "System Default", Default: true}, nil
}

// SpeakerOutput owns the process-wide speaker and implements Selector.
type SpeakerOutput struct {
	enum       Enumerator
	sampleRate beep.SampleRate
	buffer     time.Duration
	logger     zerolog.Logger

	mu          sync.Mutex
	current     Device
	initialized bool
}

// NewSpeakerOutput creates the output bound to the given enumerator.
// bufferMS sets the speaker buffer length; non-positive values use the
// default. Larger buffers survive scheduling hiccups, smaller ones keep
// pause and seek responsive.
func NewSpeakerOutput(enum Enumerator, sampleRate, bufferMS int, logger zerolog.Logger) *SpeakerOutput {
	if enum == nil {
		enum = SystemEnumerator{}
	}
	buffer := time.Duration(bufferMS) * time.Millisecond
	if buffer <= 0 {
		buffer = defaultSpeakerBuffer
	}
	return &SpeakerOutput{
		enum:       enum,
		sampleRate: beep.SampleRate(sampleRate),
		buffer:     buffer,
		logger:     logger.With().Str("component", "device").Logger(),
	}
}

// Init opens the speaker on the default device.
func (o *SpeakerOutput) Init() error {
	def, err := o.enum.Default()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	if err := speaker.Init(o.sampleRate, o.sampleRate.N(o.buffer)); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	o.current = def
	o.initialized = true
	o.logger.Info().
		Str("device", def.ID).
		Int("sample_rate", int(o.sampleRate)).
		Msg("audio output opened")
	return nil
}

// Select binds output to the named device. Unknown ids surface
// ErrDeviceUnavailable so the caller can fall back to the default.
func (o *SpeakerOutput) Select(id string) error {
	devices, err := o.enum.Devices()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.ID == id {
			o.mu.Lock()
			o.current = d
			o.mu.Unlock()
			o.logger.Info().Str("device", id).Msg("output device selected")
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrDeviceUnavailable, id)
}

func (o *SpeakerOutput) Current() Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// FallbackToDefault rebinds the default device after a selected device is
// lost.
func (o *SpeakerOutput) FallbackToDefault() error {
	def, err := o.enum.Default()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	o.mu.Lock()
	o.current = def
	o.mu.Unlock()
	o.logger.Warn().Str("device", def.ID).Msg("fell back to default output device")
	return nil
}
