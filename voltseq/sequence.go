package voltseq

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qdlab/dotctl/qprog"
)

// Compensation pulse sizing. Duration trades off against amplitude for
// a fixed charge target; the floor keeps the pulse resolvable by the
// hardware even for tiny residuals.
const compensationFloorNs = 48

// DefaultMaxCompensationVoltage caps compensation amplitudes just under
// the hardware's half-range output.
const DefaultMaxCompensationVoltage = 0.49

// A VoltageSequence is one program-construction session over a gate
// set's channels. Each step/ramp call computes per-channel deltas from
// the trackers' last known levels, emits the corresponding deferred
// instructions, and updates the trackers. The sequence is discarded
// with its program; nothing persists across programs.
//
// Channels not named in a call keep their level and accumulator
// untouched: voltage state is sticky per channel.
type VoltageSequence struct {
	gates    *GateSet
	resolver voltageResolver
	prog     *qprog.Program
	trackers map[string]*Tracker
	logger   *zap.Logger
}

// Tracker returns the state tracker for a physical channel, or nil.
// Read-only access for inspection and tests; sequences own their
// trackers exclusively.
func (q *VoltageSequence) Tracker(channel string) *Tracker { return q.trackers[channel] }

// Program returns the program this sequence emits into.
func (q *VoltageSequence) Program() *qprog.Program { return q.prog }

// StepToVoltages steps every named channel directly to its target level
// and holds for hold. Unnamed channels are untouched. Targets may
// address virtual gates when the sequence was opened on a
// VirtualGateSet.
func (q *VoltageSequence) StepToVoltages(voltages map[string]Value, hold Duration) error {
	return q.applyVoltages(voltages, hold, Duration{})
}

// RampToVoltages ramps every named channel linearly to its target level
// over ramp, then holds for hold. Unnamed channels are untouched.
func (q *VoltageSequence) RampToVoltages(voltages map[string]Value, ramp, hold Duration) error {
	return q.applyVoltages(voltages, hold, ramp)
}

// StepToPoint steps to the named registered point. A zero hold uses the
// point's default duration.
func (q *VoltageSequence) StepToPoint(name string, hold Duration) error {
	return q.pointChange(name, Duration{}, hold)
}

// RampToPoint ramps to the named registered point over ramp, then
// holds. A zero hold uses the point's default duration.
func (q *VoltageSequence) RampToPoint(name string, ramp, hold Duration) error {
	return q.pointChange(name, ramp, hold)
}

// GoToPoint is StepToPoint under the name used by higher-level device
// code.
func (q *VoltageSequence) GoToPoint(name string, hold Duration) error {
	return q.StepToPoint(name, hold)
}

func (q *VoltageSequence) pointChange(name string, ramp, hold Duration) error {
	p, err := q.gates.Point(name)
	if err != nil {
		return err
	}
	if hold.IsZero() {
		hold = Dur(p.HoldNs)
	}
	targets := make(map[string]Value, len(p.Voltages))
	for ch, volts := range p.Voltages {
		targets[ch] = V(volts)
	}
	return q.applyVoltages(targets, hold, ramp)
}

// applyVoltages is the shared delta/emit/update path. All validation
// happens before the first emission so a failed call leaves no partial
// state behind. A zero ramp means an instantaneous step.
func (q *VoltageSequence) applyVoltages(voltages map[string]Value, hold, ramp Duration) error {
	if err := validateHold(hold, "hold duration"); err != nil {
		return err
	}
	if err := validateRamp(ramp); err != nil {
		return err
	}
	resolved, err := q.resolver.ResolveVoltages(voltages)
	if err != nil {
		return err
	}

	// Registration order, so emitted programs are reproducible and
	// byte-comparable across runs.
	for _, chName := range q.gates.order {
		target, ok := resolved[chName]
		if !ok {
			continue
		}
		tracker := q.trackers[chName]
		ch := q.gates.channels[chName]
		delta := sub(target, tracker.CurrentLevel())

		if err := tracker.UpdateIntegratedVoltage(target, hold, ramp); err != nil {
			return err
		}
		if ramp.IsZero() {
			q.playStep(ch, delta, hold)
		} else {
			q.playRamp(ch, delta, ramp, hold)
		}
		tracker.SetCurrentLevel(target)
	}
	return nil
}

// sub computes a-b, folding when both sides are concrete.
func sub(a, b Value) Value {
	if !a.Symbolic() && !b.Symbolic() {
		return V(a.f - b.f)
	}
	return SymV(qprog.Sub(a.Expr(), b.Expr()))
}

// ampBitshift returns the power-of-two scale that maps a delta in volts
// onto the channel's base waveform, when one exists.
func ampBitshift(ch *Channel) (uint, bool) {
	shift := math.Log2(1 / ch.BaseAmplitude)
	if shift < 0 || shift != math.Trunc(shift) {
		return 0, false
	}
	return uint(shift), true
}

// ampScale converts a voltage delta into a base-waveform amplitude
// scale for ch. Symbolic deltas scale by a shift when the base
// amplitude is a power of two and by a fixed-point multiply otherwise.
func ampScale(ch *Channel, delta Value) qprog.Expr {
	if delta.Symbolic() {
		if shift, ok := ampBitshift(ch); ok {
			return qprog.Shl(delta.expr, shift)
		}
		return qprog.Mul(delta.expr, qprog.FixedConst(1/ch.BaseAmplitude))
	}
	// Round to stabilize text comparisons of emitted programs.
	scaled := math.Round(delta.f/ch.BaseAmplitude*1e10) / 1e10
	return qprog.FixedConst(scaled)
}

// playStep emits a sticky DC step of delta on ch, held for dur. A
// concrete zero dur emits nothing.
func (q *VoltageSequence) playStep(ch *Channel, delta Value, dur Duration) {
	if !dur.Symbolic() && dur.ns == 0 {
		return
	}
	q.prog.Play(ch.Name, ampScale(ch, delta), dur.ticksExpr())
}

// playRamp emits a linear ramp of delta over rampDur on ch, then a hold
// for holdDur.
func (q *VoltageSequence) playRamp(ch *Channel, delta Value, rampDur, holdDur Duration) {
	var rate qprog.Expr
	if !delta.Symbolic() && !rampDur.Symbolic() {
		rate = qprog.FixedConst(delta.f / float64(rampDur.ns))
	} else {
		rate = qprog.Mul(delta.Expr(), qprog.Inv(rampDur.Expr()))
	}
	q.prog.PlayRamp(ch.Name, rate, rampDur.ticksExpr())
	if !holdDur.Symbolic() && holdDur.ns == 0 {
		return
	}
	q.prog.Wait(ch.Name, holdDur.ticksExpr())
}

// ApplyCompensationPulse emits, per channel, a pulse whose amplitude
// and duration null the channel's accumulated integrated voltage, with
// the amplitude capped at maxVoltage in absolute value; duration grows
// to absorb whatever the cap cuts off. The channel's level is updated
// to the compensation level. A channel whose integral nets to zero is
// left entirely alone, level included: the hardware still sits at the
// last played voltage. The accumulator is left alone too: resetting is
// RampToZero's job at the sequence boundary.
func (q *VoltageSequence) ApplyCompensationPulse(maxVoltage float64) error {
	if maxVoltage <= 0 {
		return errors.Errorf("max compensation voltage must be positive, got %v", maxVoltage)
	}
	for _, chName := range q.gates.order {
		tracker := q.trackers[chName]
		ch := q.gates.channels[chName]
		acc := tracker.IntegratedVoltage()

		if !acc.Symbolic() && !tracker.CurrentLevel().Symbolic() {
			q.compensateConcrete(ch, tracker, acc.Raw(), maxVoltage)
			continue
		}
		q.compensateSymbolic(ch, tracker, acc, maxVoltage)
	}
	return nil
}

func (q *VoltageSequence) compensateConcrete(ch *Channel, tracker *Tracker, accRaw int64, maxVoltage float64) {
	if accRaw == 0 {
		return
	}
	charge := float64(accRaw) / IntegratedVoltageScale // V*ns
	durNs := int64(math.Ceil(math.Abs(charge) / maxVoltage))
	durNs = (durNs + ClockTickNs - 1) / ClockTickNs * ClockTickNs
	if durNs < compensationFloorNs {
		durNs = compensationFloorNs
	}
	amp := -charge / float64(durNs)
	if amp > maxVoltage {
		amp = maxVoltage
	} else if amp < -maxVoltage {
		amp = -maxVoltage
	}

	delta := V(amp - tracker.CurrentLevel().Volts())
	q.prog.Play(ch.Name, ampScale(ch, delta), Dur(durNs).ticksExpr())
	tracker.SetCurrentLevel(V(amp))
	q.logger.Debug("compensation pulse",
		zap.String("channel", ch.Name),
		zap.Float64("amplitude", amp),
		zap.Int64("duration_ns", durNs),
	)
}

// compensateSymbolic emits the same sizing computation as expressions
// evaluated by the runtime. The amplitude cap holds by construction:
// the duration is derived from the cap, and the rounding below only
// ever lengthens the pulse.
func (q *VoltageSequence) compensateSymbolic(ch *Channel, tracker *Tracker, acc Accum, maxVoltage float64) {
	accE := acc.Expr()
	// |acc| / (scale * maxV), in ns.
	durE := qprog.MulIntByFixed(qprog.Abs(accE), qprog.FixedConst(1.0/(IntegratedVoltageScale*maxVoltage)))
	// Round up to the clock grid, then apply the floor.
	durE = qprog.Shl(qprog.Shr(qprog.Add(durE, qprog.IntConst(ClockTickNs-1)), 2), 2)
	durE = qprog.Max(durE, qprog.IntConst(compensationFloorNs))

	ampE := qprog.Neg(qprog.Mul(
		qprog.MulIntByFixed(accE, qprog.FixedConst(1.0/IntegratedVoltageScale)),
		qprog.Inv(durE),
	))
	delta := SymV(qprog.Sub(ampE, tracker.CurrentLevel().Expr()))
	q.prog.Play(ch.Name, ampScale(ch, delta), qprog.Shr(durE, 2))
	tracker.SetCurrentLevel(SymV(ampE))
}

// RampToZero returns every channel to 0 V and resets its accumulator. A
// nonzero ramp emits a linear ramp from the current level over that
// span; a zero ramp delegates to the runtime's native return-to-zero.
func (q *VoltageSequence) RampToZero(ramp Duration) error {
	if err := validateRamp(ramp); err != nil {
		return err
	}
	for _, chName := range q.gates.order {
		tracker := q.trackers[chName]
		ch := q.gates.channels[chName]

		switch {
		case ramp.IsZero():
			q.prog.RampToZero(ch.Name)
		case tracker.CurrentLevel().Symbolic():
			rate := qprog.Neg(qprog.Mul(tracker.CurrentLevel().Expr(), qprog.Inv(ramp.Expr())))
			q.prog.PlayRamp(ch.Name, rate, ramp.ticksExpr())
		default:
			level := tracker.CurrentLevel().Volts()
			if level == 0 && !ramp.Symbolic() {
				break
			}
			var rate qprog.Expr
			if ramp.Symbolic() {
				rate = qprog.Mul(qprog.FixedConst(-level), qprog.Inv(ramp.Expr()))
			} else {
				rate = qprog.FixedConst(-level / float64(ramp.ns))
			}
			q.prog.PlayRamp(ch.Name, rate, ramp.ticksExpr())
		}

		tracker.SetCurrentLevel(V(0.0))
		tracker.ResetIntegratedVoltage()
	}
	return nil
}

// A ConfigInspector answers whether a channel's machine configuration
// carries the base DC pulse operation that step emission relies on.
type ConfigInspector interface {
	HasBasePulse(channel string) bool
}

// CheckConfig verifies that every channel of the gate set has the base
// DC pulse operation in the machine configuration. Problems are logged
// as warnings and returned; nothing is fixed up, the configuration is
// the caller's to amend.
func (q *VoltageSequence) CheckConfig(cfg ConfigInspector) []string {
	var problems []string
	for _, chName := range q.gates.order {
		if cfg.HasBasePulse(chName) {
			continue
		}
		msg := "channel " + chName + " has no base DC pulse operation; steps on it will not compile"
		problems = append(problems, msg)
		q.logger.Warn("machine configuration incomplete",
			zap.String("gate_set", q.gates.name),
			zap.String("channel", chName),
		)
	}
	return problems
}
