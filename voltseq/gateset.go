package voltseq

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qdlab/dotctl/qprog"
)

// A Channel is one physical output line of the control hardware. Steps
// are emitted as scaled copies of the channel's base DC waveform, so
// BaseAmplitude and BasePulseNs must match the operation registered in
// the machine configuration.
type Channel struct {
	Name string

	// BaseAmplitude is the constant sample value of the base waveform.
	// Defaults to DefaultBaseAmplitude.
	BaseAmplitude float64

	// BasePulseNs is the base waveform's length. Defaults to MinPulseNs.
	BasePulseNs int64
}

// A VoltagePoint is a named target-voltage assignment with a default
// hold duration. Points are registered on a GateSet through AddPoint
// and referenced by name from sequences and macros.
type VoltagePoint struct {
	Voltages map[string]float64
	HoldNs   int64
}

// GateSetOpts packages the arguments for NewGateSet.
type GateSetOpts struct {
	// Name identifies the gate set in errors and logs.
	Name string

	// Channels lists the physical channels, in the order sequence
	// operations will process them. Names must be unique and non-empty.
	Channels []Channel

	// Logger receives construction-time diagnostics. Defaults to a nop
	// logger.
	Logger *zap.Logger
}

// A GateSet owns a group of related channels and the catalog of named
// voltage points defined over them. It is the factory for
// VoltageSequences; the set itself holds no per-sequence state, so one
// GateSet may back any number of sequentially constructed sequences.
type GateSet struct {
	name     string
	order    []string
	channels map[string]*Channel
	points   map[string]*VoltagePoint
	logger   *zap.Logger
}

// NewGateSet returns a gate set owning the given channels, or an error
// if the channel list is malformed.
func NewGateSet(opts GateSetOpts) (*GateSet, error) {
	if len(opts.Channels) == 0 {
		return nil, errors.Errorf("gate set %q must have at least one channel", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GateSet{
		name:     opts.Name,
		channels: make(map[string]*Channel, len(opts.Channels)),
		points:   make(map[string]*VoltagePoint),
		logger:   logger,
	}
	for _, ch := range opts.Channels {
		if ch.Name == "" {
			return nil, errors.Errorf("gate set %q: channel names must be non-empty", opts.Name)
		}
		if _, ok := s.channels[ch.Name]; ok {
			return nil, errors.Errorf("gate set %q: duplicate channel %q", opts.Name, ch.Name)
		}
		c := ch
		if c.BaseAmplitude == 0 {
			c.BaseAmplitude = DefaultBaseAmplitude
		}
		if c.BasePulseNs == 0 {
			c.BasePulseNs = MinPulseNs
		}
		s.order = append(s.order, c.Name)
		s.channels[c.Name] = &c
	}
	return s, nil
}

// Name returns the gate set's identifier.
func (s *GateSet) Name() string { return s.name }

// ChannelNames returns the physical channel names in registration
// order, which is also the order sequence operations process channels.
func (s *GateSet) ChannelNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Channel returns the named physical channel, or nil.
func (s *GateSet) Channel(name string) *Channel { return s.channels[name] }

// ValidName reports whether name addresses a channel of this set.
func (s *GateSet) ValidName(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// Point returns the named voltage point, or an ErrPointNotFound error.
func (s *GateSet) Point(name string) (*VoltagePoint, error) {
	p, ok := s.points[name]
	if !ok {
		return nil, errors.Wrapf(ErrPointNotFound, "point %q in gate set %q", name, s.name)
	}
	return p, nil
}

// PointNames returns the registered point names, unordered.
func (s *GateSet) PointNames() []string {
	out := make([]string, 0, len(s.points))
	for name := range s.points {
		out = append(out, name)
	}
	return out
}

// AddPoint registers a named voltage point. Every key of voltages must
// be a channel of this set, and holdNs must sit on the hardware grid;
// the point catalog is untouched when validation fails. Re-adding an
// existing name is an error; use ReplacePoint to overwrite.
func (s *GateSet) AddPoint(name string, voltages map[string]float64, holdNs int64) error {
	if _, ok := s.points[name]; ok {
		return errors.Wrapf(ErrPointExists, "point %q in gate set %q", name, s.name)
	}
	return s.setPoint(name, voltages, holdNs, s.ValidName)
}

// ReplacePoint registers a named voltage point, overwriting any
// existing registration under that name.
func (s *GateSet) ReplacePoint(name string, voltages map[string]float64, holdNs int64) error {
	return s.setPoint(name, voltages, holdNs, s.ValidName)
}

func (s *GateSet) setPoint(name string, voltages map[string]float64, holdNs int64, valid func(string) bool) error {
	if name == "" {
		return errors.Errorf("gate set %q: point name must be non-empty", s.name)
	}
	if err := validateHold(Dur(holdNs), "point hold duration"); err != nil {
		return err
	}
	for ch := range voltages {
		if !valid(ch) {
			return errors.Wrapf(ErrChannelNotFound,
				"channel %q in point %q is not part of gate set %q", ch, name, s.name)
		}
	}
	copied := make(map[string]float64, len(voltages))
	for ch, v := range voltages {
		copied[ch] = v
	}
	s.points[name] = &VoltagePoint{Voltages: copied, HoldNs: holdNs}
	s.logger.Debug("registered voltage point",
		zap.String("gate_set", s.name),
		zap.String("point", name),
		zap.Int64("hold_ns", holdNs),
	)
	return nil
}

// ResolveVoltages validates a target-voltage assignment against the
// set's channels and returns a copy keyed by physical channel name.
// Channels absent from voltages stay absent: voltage state is sticky
// per channel, and unmentioned channels must not be driven.
func (s *GateSet) ResolveVoltages(voltages map[string]Value) (map[string]Value, error) {
	resolved := make(map[string]Value, len(voltages))
	for ch, v := range voltages {
		if !s.ValidName(ch) {
			return nil, errors.Wrapf(ErrChannelNotFound,
				"channel %q is not part of gate set %q", ch, s.name)
		}
		resolved[ch] = v
	}
	return resolved, nil
}

// NewSequence opens a fresh voltage sequence on this gate set, with one
// tracker per channel initialized to level 0.0 and integrated voltage
// 0. Sequences opened from the same set are independent: trackers are
// never shared.
func (s *GateSet) NewSequence(prog *qprog.Program) (*VoltageSequence, error) {
	return s.newSequence(prog, s)
}

func (s *GateSet) newSequence(prog *qprog.Program, resolver voltageResolver) (*VoltageSequence, error) {
	if prog == nil {
		return nil, errors.Errorf("gate set %q: sequence requires a program", s.name)
	}
	trackers := make(map[string]*Tracker, len(s.order))
	for _, name := range s.order {
		t, err := NewTracker(prog, name)
		if err != nil {
			return nil, err
		}
		trackers[name] = t
	}
	return &VoltageSequence{
		gates:    s,
		resolver: resolver,
		prog:     prog,
		trackers: trackers,
		logger:   s.logger,
	}, nil
}

// A voltageResolver maps a caller-supplied voltage assignment, which
// may address virtual gates, down to physical channel voltages.
type voltageResolver interface {
	ResolveVoltages(map[string]Value) (map[string]Value, error)
}
