// Package voltseq builds time-ordered DC voltage sequences for the gate
// electrodes of quantum-dot style devices. A GateSet names the physical
// (and optionally virtual) channels and their reusable voltage points; a
// VoltageSequence opened on it turns step/ramp requests into deferred
// control-program instructions while tracking, per channel, the last
// commanded level and the time-integral of voltage. The integral drives
// end-of-sequence compensation pulses that null net charge on
// DC-coupled bias lines.
//
// Voltage levels and durations may be concrete numbers or symbolic
// handles into a qprog.Program; symbolic values defer arithmetic to the
// control runtime, which evaluates them during hardware execution.
package voltseq

import (
	"github.com/qdlab/dotctl/qprog"
)

// Hardware timing granularity for emitted pulses.
const (
	// ClockTickNs is the control-hardware clock tick.
	ClockTickNs = 4
	// MinPulseNs is the shortest emittable pulse.
	MinPulseNs = 16
)

// DefaultBaseAmplitude is the constant sample value of the base DC
// waveform that steps are emitted as scaled copies of.
const DefaultBaseAmplitude = 0.25

// A Value is a voltage level: either a concrete number of volts or a
// symbolic expression evaluated by the control runtime.
type Value struct {
	expr qprog.Expr
	f    float64
}

// V returns a concrete voltage value.
func V(volts float64) Value { return Value{f: volts} }

// SymV returns a symbolic voltage value.
func SymV(e qprog.Expr) Value { return Value{expr: e} }

// Symbolic reports whether the value defers to the runtime.
func (v Value) Symbolic() bool { return v.expr != nil }

// Volts returns the concrete level. Only meaningful when !Symbolic.
func (v Value) Volts() float64 { return v.f }

// Expr returns the value as an expression, wrapping concrete levels as
// constants.
func (v Value) Expr() qprog.Expr {
	if v.expr != nil {
		return v.expr
	}
	return qprog.FixedConst(v.f)
}

// A Duration is a span of nanoseconds: concrete or symbolic, like
// Value.
type Duration struct {
	expr qprog.Expr
	ns   int64
}

// Dur returns a concrete duration of ns nanoseconds.
func Dur(ns int64) Duration { return Duration{ns: ns} }

// SymDur returns a symbolic duration.
func SymDur(e qprog.Expr) Duration { return Duration{expr: e} }

// Symbolic reports whether the duration defers to the runtime.
func (d Duration) Symbolic() bool { return d.expr != nil }

// Nanos returns the concrete span. Only meaningful when !Symbolic.
func (d Duration) Nanos() int64 { return d.ns }

// IsZero reports a concrete zero duration. Methods taking optional
// durations treat the zero Duration as "unset".
func (d Duration) IsZero() bool { return d.expr == nil && d.ns == 0 }

// Expr returns the duration as an expression, wrapping concrete spans
// as constants.
func (d Duration) Expr() qprog.Expr {
	if d.expr != nil {
		return d.expr
	}
	return qprog.IntConst(d.ns)
}

// ticksExpr converts a duration in ns to clock ticks.
func (d Duration) ticksExpr() qprog.Expr {
	if d.expr != nil {
		return qprog.Shr(d.expr, 2)
	}
	return qprog.IntConst(d.ns >> 2)
}
