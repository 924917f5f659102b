/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eq

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Preset is a named equalizer curve loaded from a preset file.
type Preset struct {
	Name   string    `yaml:"name"`
	Bands  []float64 `yaml:"bands"`
	Preamp float64   `yaml:"preamp"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// PresetStore holds named presets and applies them to a State.
type PresetStore struct {
	presets map[string]Preset
}

// LoadPresets reads a YAML preset file. A missing path yields an empty store.
func LoadPresets(path string) (*PresetStore, error) {
	store := &PresetStore{presets: make(map[string]Preset)}
	if path == "" {
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset file: %w", err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse preset file: %w", err)
	}

	for _, p := range file.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("preset without name in %s", path)
		}
		if len(p.Bands) != NumBands {
			return nil, fmt.Errorf("preset %q has %d bands, want %d", p.Name, len(p.Bands), NumBands)
		}
		store.presets[p.Name] = p
	}
	return store, nil
}

// Names returns the preset names in sorted order.
func (ps *PresetStore) Names() []string {
	names := make([]string, 0, len(ps.presets))
	for name := range ps.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply writes the named preset into state. Gains are clamped on write.
func (ps *PresetStore) Apply(name string, state *State) error {
	preset, ok := ps.presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q", name)
	}

	snap := state.Snapshot()
	copy(snap.Bands[:], preset.Bands)
	snap.Preamp = preset.Preamp
	state.Restore(snap)
	return nil
}
