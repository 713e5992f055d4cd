package voltseq

import (
	"github.com/pkg/errors"
)

// MacroKind selects which transition a point macro performs.
type MacroKind int

const (
	// StepMacro steps instantaneously to the point.
	StepMacro MacroKind = iota
	// RampMacro ramps linearly to the point, then holds.
	RampMacro
)

func (k MacroKind) String() string {
	switch k {
	case StepMacro:
		return "step"
	case RampMacro:
		return "ramp"
	}
	return "unknown"
}

// A PointMacro is a replayable binding of a registered voltage point to
// a transition kind and timing. Zero HoldNs means the point's default
// hold; RampNs applies to RampMacro only.
type PointMacro struct {
	Kind   MacroKind
	Point  string
	HoldNs int64
	RampNs int64
}

// Apply performs the macro's transition on seq.
func (m PointMacro) Apply(seq *VoltageSequence) error {
	switch m.Kind {
	case StepMacro:
		return seq.StepToPoint(m.Point, Dur(m.HoldNs))
	case RampMacro:
		return seq.RampToPoint(m.Point, Dur(m.RampNs), Dur(m.HoldNs))
	}
	return errors.Errorf("unknown macro kind %d", m.Kind)
}

// A SequenceMacro is a named ordered list of point transitions,
// replayable against any sequence opened on the same gate set.
type SequenceMacro struct {
	Name  string
	Steps []PointMacro
}

// Apply replays the macro's transitions in order, stopping at the
// first failure.
func (m SequenceMacro) Apply(seq *VoltageSequence) error {
	for i, step := range m.Steps {
		if err := step.Apply(seq); err != nil {
			return errors.Wrapf(err, "macro %q step %d (%s to %q)", m.Name, i, step.Kind, step.Point)
		}
	}
	return nil
}

// A PointRegistry can register named voltage points. Both GateSet and
// VirtualGateSet satisfy it.
type PointRegistry interface {
	AddPoint(name string, voltages map[string]float64, holdNs int64) error
	ReplacePoint(name string, voltages map[string]float64, holdNs int64) error
}

// VoltageOps bundles point definition and navigation for one component
// that owns a sequence. Device-level types (dots, sensors, qubit
// wrappers) hold one by composition and delegate, instead of
// inheriting these operations.
type VoltageOps struct {
	points PointRegistry
	seq    *VoltageSequence
	macros map[string]SequenceMacro
}

// NewVoltageOps returns an operations bundle over the given point
// registry and sequence.
func NewVoltageOps(points PointRegistry, seq *VoltageSequence) *VoltageOps {
	return &VoltageOps{
		points: points,
		seq:    seq,
		macros: make(map[string]SequenceMacro),
	}
}

// Sequence returns the underlying voltage sequence.
func (o *VoltageOps) Sequence() *VoltageSequence { return o.seq }

// DefinePoint registers a voltage point on the underlying gate set.
func (o *VoltageOps) DefinePoint(name string, voltages map[string]float64, holdNs int64) error {
	return o.points.AddPoint(name, voltages, holdNs)
}

// StepTo steps the sequence to a registered point.
func (o *VoltageOps) StepTo(point string, hold Duration) error {
	return o.seq.StepToPoint(point, hold)
}

// RampTo ramps the sequence to a registered point.
func (o *VoltageOps) RampTo(point string, ramp, hold Duration) error {
	return o.seq.RampToPoint(point, ramp, hold)
}

// RegisterMacro stores a replayable sequence macro under its name.
func (o *VoltageOps) RegisterMacro(m SequenceMacro) error {
	if m.Name == "" {
		return errors.New("sequence macro must be named")
	}
	if _, ok := o.macros[m.Name]; ok {
		return errors.Errorf("sequence macro %q already registered", m.Name)
	}
	o.macros[m.Name] = m
	return nil
}

// Run replays a registered sequence macro.
func (o *VoltageOps) Run(name string) error {
	m, ok := o.macros[name]
	if !ok {
		return errors.Errorf("sequence macro %q not registered", name)
	}
	return m.Apply(o.seq)
}
