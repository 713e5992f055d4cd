// Package config loads YAML machine descriptions and builds voltseq
// gate sets from them. The YAML mirrors what the external control
// runtime consumes, so CheckConfig can cross-validate a sequence
// against the same file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/qdlab/dotctl/voltseq"
)

// Output modes a channel port can be wired for.
const (
	OutputModeDirect    = "direct"
	OutputModeAmplified = "amplified"
)

// Base-waveform sample values by output mode.
const (
	directBaseAmplitude    = 0.25
	amplifiedBaseAmplitude = 1.25
)

// A Machine is the full hardware description.
type Machine struct {
	Channels []ChannelConfig `yaml:"channels"`
	GateSets []GateSetConfig `yaml:"gateSets"`
}

// A ChannelConfig describes one physical output line.
type ChannelConfig struct {
	Name       string       `yaml:"name"`
	Port       int          `yaml:"port"`
	OutputMode string       `yaml:"outputMode"`
	BasePulse  *PulseConfig `yaml:"basePulse"`
}

// A PulseConfig describes the base DC waveform registered on a channel.
type PulseConfig struct {
	Amplitude float64 `yaml:"amplitude"`
	LengthNs  int64   `yaml:"lengthNs"`
}

// A GateSetConfig groups channels into a named gate set with optional
// points and virtualization layers.
type GateSetConfig struct {
	Name     string        `yaml:"name"`
	Channels []string      `yaml:"channels"`
	Points   []PointConfig `yaml:"points"`
	Layers   []LayerConfig `yaml:"layers"`
}

// A PointConfig is a named voltage point.
type PointConfig struct {
	Name     string             `yaml:"name"`
	Voltages map[string]float64 `yaml:"voltages"`
	HoldNs   int64              `yaml:"holdNs"`
}

// A LayerConfig is one virtualization layer.
type LayerConfig struct {
	Sources []string    `yaml:"sources"`
	Targets []string    `yaml:"targets"`
	Matrix  [][]float64 `yaml:"matrix"`
}

// Load reads and parses a machine description file.
func Load(path string) (*Machine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read machine config")
	}
	return Parse(b)
}

// Parse parses a machine description and validates its internal
// references.
func Parse(b []byte) (*Machine, error) {
	var m Machine
	if err := yaml.UnmarshalStrict(b, &m); err != nil {
		return nil, errors.Wrap(err, "parse machine config")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Machine) validate() error {
	seen := make(map[string]bool, len(m.Channels))
	for _, ch := range m.Channels {
		if ch.Name == "" {
			return errors.New("machine config: channel names must be non-empty")
		}
		if seen[ch.Name] {
			return errors.Errorf("machine config: duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.OutputMode {
		case "", OutputModeDirect, OutputModeAmplified:
		default:
			return errors.Errorf("machine config: channel %q has unknown output mode %q", ch.Name, ch.OutputMode)
		}
	}
	for _, gs := range m.GateSets {
		if gs.Name == "" {
			return errors.New("machine config: gate set names must be non-empty")
		}
		for _, ch := range gs.Channels {
			if !seen[ch] {
				return errors.Errorf("machine config: gate set %q references unknown channel %q", gs.Name, ch)
			}
		}
	}
	return nil
}

// Channel returns the named channel description, or nil.
func (m *Machine) Channel(name string) *ChannelConfig {
	for i := range m.Channels {
		if m.Channels[i].Name == name {
			return &m.Channels[i]
		}
	}
	return nil
}

// GateSet returns the named gate set description, or nil.
func (m *Machine) GateSet(name string) *GateSetConfig {
	for i := range m.GateSets {
		if m.GateSets[i].Name == name {
			return &m.GateSets[i]
		}
	}
	return nil
}

// HasBasePulse reports whether the named channel carries a base DC
// pulse operation. Satisfies voltseq's ConfigInspector.
func (m *Machine) HasBasePulse(channel string) bool {
	ch := m.Channel(channel)
	return ch != nil && ch.BasePulse != nil
}

// baseAmplitude picks the channel's base waveform sample value: an
// explicit pulse wins, otherwise the output mode decides.
func (ch *ChannelConfig) baseAmplitude() float64 {
	if ch.BasePulse != nil && ch.BasePulse.Amplitude != 0 {
		return ch.BasePulse.Amplitude
	}
	if ch.OutputMode == OutputModeAmplified {
		return amplifiedBaseAmplitude
	}
	return directBaseAmplitude
}

func (ch *ChannelConfig) basePulseNs() int64 {
	if ch.BasePulse != nil && ch.BasePulse.LengthNs != 0 {
		return ch.BasePulse.LengthNs
	}
	return voltseq.MinPulseNs
}
