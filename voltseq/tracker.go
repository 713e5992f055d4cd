package voltseq

import (
	"math"

	"github.com/pkg/errors"

	"github.com/qdlab/dotctl/qprog"
)

// Fixed-point representation of the integrated-voltage accumulator:
// volt-nanoseconds scaled by 2^10, so that symbolic accumulators fit
// the runtime's integer arithmetic without floating drift.
const (
	integratedVoltageBitshift = 10
	// IntegratedVoltageScale converts V*ns into accumulator units.
	IntegratedVoltageScale = 1 << integratedVoltageBitshift
)

// An Accum is the observed value of a channel's integrated-voltage
// accumulator: a concrete fixed-point integer, or a symbolic variable
// once the channel has been promoted.
type Accum struct {
	v    int64
	expr qprog.Expr
}

// Symbolic reports whether the accumulator lives in the runtime.
func (a Accum) Symbolic() bool { return a.expr != nil }

// Raw returns the concrete fixed-point value (V*ns*1024). Only
// meaningful when !Symbolic.
func (a Accum) Raw() int64 { return a.v }

// Expr returns the accumulator as an expression.
func (a Accum) Expr() qprog.Expr {
	if a.expr != nil {
		return a.expr
	}
	return qprog.IntConst(a.v)
}

// A Tracker records the dynamic state of one channel within a sequence:
// the last commanded voltage level and the accumulated time-integral of
// voltage since the last reset. Both tolerate a mix of concrete and
// symbolic values; the first symbolic participant promotes the
// accumulator to a runtime variable, one-way for the life of the
// sequence.
//
// The accumulator is only mutated through UpdateIntegratedVoltage and
// ResetIntegratedVoltage.
type Tracker struct {
	channel string
	prog    *qprog.Program

	level    Value
	levelVar *qprog.Var

	acc            int64
	accVar         *qprog.Var
	accAtPromotion int64
}

// NewTracker returns a tracker for the named channel, initialized to
// level 0.0 and integrated voltage 0.
func NewTracker(prog *qprog.Program, channel string) (*Tracker, error) {
	if channel == "" {
		return nil, errors.New("tracker channel name must be non-empty")
	}
	if prog == nil {
		return nil, errors.New("tracker requires a program")
	}
	return &Tracker{channel: channel, prog: prog, level: V(0.0)}, nil
}

// Channel returns the tracked channel's name.
func (t *Tracker) Channel() string { return t.channel }

// CurrentLevel returns the last commanded voltage.
func (t *Tracker) CurrentLevel() Value { return t.level }

// SetCurrentLevel records a newly commanded voltage. Once a symbolic
// level has been set the tracker keeps a runtime variable for it and
// further updates become assignments, so the represented level is
// correct inside hardware loops.
func (t *Tracker) SetCurrentLevel(v Value) {
	switch {
	case t.levelVar != nil:
		t.prog.Assign(t.levelVar, v.Expr())
	case v.Symbolic():
		t.levelVar = t.prog.DeclareFixed(t.channel+"_level", 0)
		t.prog.Assign(t.levelVar, v.expr)
		t.level = SymV(qprog.Ref(t.levelVar))
	default:
		t.level = v
	}
}

// IntegratedVoltage returns the running accumulator.
func (t *Tracker) IntegratedVoltage() Accum {
	if t.accVar != nil {
		return Accum{expr: qprog.Ref(t.accVar)}
	}
	return Accum{v: t.acc}
}

// Promoted reports whether the accumulator has been promoted to a
// runtime variable.
func (t *Tracker) Promoted() bool { return t.accVar != nil }

// ensureAccumulatorVar promotes the accumulator to a runtime variable,
// declared once and seeded with the concrete value gathered so far.
// Idempotent after the first call.
func (t *Tracker) ensureAccumulatorVar() (*qprog.Var, error) {
	if t.accVar != nil {
		return t.accVar, nil
	}
	if t.prog == nil {
		return nil, errors.Wrapf(ErrState,
			"channel %q: accumulator promotion requested with no program attached", t.channel)
	}
	t.accAtPromotion = t.acc
	t.accVar = t.prog.DeclareInt(t.channel+"_int_v", t.acc)
	return t.accVar, nil
}

// UpdateIntegratedVoltage adds the contribution of holding at level for
// dur, plus, when rampDur is nonzero, the trapezoidal contribution of
// ramping linearly from the previous level to level over rampDur. A
// concrete zero dur together with a concrete zero rampDur is a no-op.
//
// If any participant (level, dur, rampDur, the previous level, or the
// accumulator itself) is symbolic, the accumulator is promoted and the
// update is emitted as runtime assignments instead of computed here.
func (t *Tracker) UpdateIntegratedVoltage(level Value, dur, rampDur Duration) error {
	if dur.IsZero() && rampDur.IsZero() {
		return nil
	}
	prev := t.level
	symbolic := t.accVar != nil || level.Symbolic() || dur.Symbolic() ||
		rampDur.Symbolic() || prev.Symbolic()

	if !symbolic {
		if dur.ns != 0 {
			t.acc += int64(math.Round(level.f * float64(dur.ns) * IntegratedVoltageScale))
		}
		if rampDur.ns != 0 {
			avg := (level.f + prev.f) * 0.5
			t.acc += int64(math.Round(avg * float64(rampDur.ns) * IntegratedVoltageScale))
		}
		return nil
	}

	acc, err := t.ensureAccumulatorVar()
	if err != nil {
		return err
	}
	if !dur.IsZero() {
		hold := qprog.MulIntByFixed(qprog.Shl(dur.Expr(), integratedVoltageBitshift), level.Expr())
		t.prog.Assign(acc, qprog.Add(qprog.Ref(acc), hold))
	}
	if !rampDur.IsZero() {
		avg := qprog.Mul(qprog.Add(level.Expr(), prev.Expr()), qprog.FixedConst(0.5))
		ramp := qprog.MulIntByFixed(qprog.Shl(rampDur.Expr(), integratedVoltageBitshift), avg)
		t.prog.Assign(acc, qprog.Add(qprog.Ref(acc), ramp))
	}
	return nil
}

// ResetIntegratedVoltage returns the accumulator to its base value: a
// plain zero in concrete mode, or an assignment when promoted. A
// promoted accumulator resets to the concrete contribution gathered
// before promotion, since those compile-time offsets re-apply on every
// pass through a hardware loop. Does not touch the current level.
func (t *Tracker) ResetIntegratedVoltage() {
	if t.accVar != nil {
		t.prog.Assign(t.accVar, qprog.IntConst(t.accAtPromotion))
		return
	}
	t.acc = 0
}
