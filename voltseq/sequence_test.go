package voltseq

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdlab/dotctl/qprog"
)

func newTestSequence(t *testing.T) (*VoltageSequence, *qprog.Program) {
	t.Helper()
	gs, err := NewGateSet(GateSetOpts{
		Name:     "dot1",
		Channels: []Channel{{Name: "ch1"}, {Name: "ch2"}},
	})
	require.NoError(t, err)
	prog := qprog.New()
	seq, err := gs.NewSequence(prog)
	require.NoError(t, err)
	return seq, prog
}

func plays(p *qprog.Program) []qprog.Instr {
	var out []qprog.Instr
	for _, in := range p.Instructions() {
		if in.Op == qprog.OpPlay {
			out = append(out, in)
		}
	}
	return out
}

// Stepping twice to the same point must emit two nonzero-scaled steps
// followed by two zero-scaled steps: exactly four commands.
func TestRepeatedStepToPoint(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.gates.AddPoint("p1", map[string]float64{"ch1": 0.1, "ch2": 0.2}, 100))

	require.NoError(t, seq.StepToPoint("p1", Duration{}))
	require.NoError(t, seq.StepToPoint("p1", Duration{}))

	got := plays(prog)
	require.Len(t, got, 4)
	require.Len(t, prog.Instructions(), 4, "steps emit nothing but plays")

	assert.Equal(t, "ch1", got[0].Channel)
	assert.Equal(t, qprog.FixedConst(0.1/DefaultBaseAmplitude), got[0].Arg)
	assert.Equal(t, "ch2", got[1].Channel)
	assert.Equal(t, qprog.FixedConst(0.2/DefaultBaseAmplitude), got[1].Arg)
	assert.Equal(t, qprog.IntConst(25), got[0].Dur, "100ns is 25 clock ticks")

	// Already at target: zero amplitude deltas.
	assert.Equal(t, qprog.FixedConst(0), got[2].Arg)
	assert.Equal(t, qprog.FixedConst(0), got[3].Arg)
}

func TestStepToPointHoldOverride(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.gates.AddPoint("p1", map[string]float64{"ch1": 0.1}, 100))

	require.NoError(t, seq.StepToPoint("p1", Dur(2000)))
	got := plays(prog)
	require.Len(t, got, 1)
	assert.Equal(t, qprog.IntConst(500), got[0].Dur)
}

func TestStepToUnknownPoint(t *testing.T) {
	seq, _ := newTestSequence(t)
	err := seq.StepToPoint("ghost", Duration{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPointNotFound))
}

func TestStickyChannels(t *testing.T) {
	seq, _ := newTestSequence(t)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.2)}, Dur(100)))

	before := seq.Tracker("ch2").IntegratedVoltage().Raw()
	levelBefore := seq.Tracker("ch2").CurrentLevel()

	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.3)}, Dur(100)))
	assert.Equal(t, before, seq.Tracker("ch2").IntegratedVoltage().Raw())
	assert.Equal(t, levelBefore, seq.Tracker("ch2").CurrentLevel())

	// ch1 kept its level across the calls: the second delta is from 0.2.
	assert.Equal(t, 0.3, seq.Tracker("ch1").CurrentLevel().Volts())
}

func TestStepValidatesBeforeEmitting(t *testing.T) {
	seq, prog := newTestSequence(t)
	err := seq.StepToVoltages(map[string]Value{"ch1": V(0.1), "ghost": V(0.5)}, Dur(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannelNotFound))
	assert.Empty(t, prog.Instructions(), "failed call must emit nothing")

	err = seq.StepToVoltages(map[string]Value{"ch1": V(0.1)}, Dur(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDuration))
	assert.Empty(t, prog.Instructions())
}

func TestRampToVoltages(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.RampToVoltages(map[string]Value{"ch1": V(0.2)}, Dur(40), Dur(100)))

	instrs := prog.Instructions()
	require.Len(t, instrs, 2)
	assert.Equal(t, qprog.OpPlayRamp, instrs[0].Op)
	assert.Equal(t, qprog.FixedConst(0.2/40), instrs[0].Arg)
	assert.Equal(t, qprog.IntConst(10), instrs[0].Dur)
	assert.Equal(t, qprog.OpWait, instrs[1].Op)
	assert.Equal(t, qprog.IntConst(25), instrs[1].Dur)

	hold := int64(math.Round(0.2 * 100 * IntegratedVoltageScale))
	ramp := int64(math.Round(0.1 * 40 * IntegratedVoltageScale))
	assert.Equal(t, hold+ramp, seq.Tracker("ch1").IntegratedVoltage().Raw())
}

func TestSymbolicTargetPromotesAndEmits(t *testing.T) {
	seq, prog := newTestSequence(t)
	bias := prog.DeclareFixed("bias", 0)

	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": SymV(qprog.Ref(bias))}, Dur(100)))
	require.True(t, seq.Tracker("ch1").Promoted())

	var play *qprog.Instr
	for i := range prog.Instructions() {
		if prog.Instructions()[i].Op == qprog.OpPlay {
			play = &prog.Instructions()[i]
		}
	}
	require.NotNil(t, play)
	// Amplitude scaling of a symbolic delta is a power-of-two shift.
	assert.Equal(t, "((bias - 0) << 2)", play.Arg.String())
}

func TestCompensationBound(t *testing.T) {
	cases := []struct {
		name  string
		level float64
		durNs int64
	}{
		{"small positive", 0.1, 100},
		{"large positive", 0.45, 100000},
		{"large negative", -0.45, 100000},
		{"tiny residual", 0.001, 16},
	}
	const maxV = 0.49
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq, prog := newTestSequence(t)
			require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(tc.level)}, Dur(tc.durNs)))
			charge := float64(seq.Tracker("ch1").IntegratedVoltage().Raw()) / IntegratedVoltageScale

			require.NoError(t, seq.ApplyCompensationPulse(maxV))

			level := seq.Tracker("ch1").CurrentLevel()
			require.False(t, level.Symbolic())
			amp := level.Volts()
			assert.LessOrEqual(t, math.Abs(amp), maxV)

			// The last play on ch1 is the compensation pulse; its charge
			// cancels the accumulated integral up to clock-grid rounding.
			var comp *qprog.Instr
			for i := range prog.Instructions() {
				in := &prog.Instructions()[i]
				if in.Op == qprog.OpPlay && in.Channel == "ch1" {
					comp = in
				}
			}
			require.NotNil(t, comp)
			durNs := int64(comp.Dur.(qprog.IntConst)) * ClockTickNs
			assert.InDelta(t, -charge, amp*float64(durNs), math.Abs(charge)*1e-9+1e-6)
		})
	}
}

func TestCompensationZeroIntegral(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.ApplyCompensationPulse(DefaultMaxCompensationVoltage))
	assert.Empty(t, plays(prog), "nothing to compensate, nothing to emit")
}

// A net-zero integral at a nonzero level must leave the tracker alone:
// the hardware still sits at the last played voltage, and the final
// ramp to zero has to see that level to bring the channel home.
func TestCompensationZeroIntegralKeepsLevel(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.1)}, Dur(100)))
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(-0.1)}, Dur(100)))
	require.Equal(t, int64(0), seq.Tracker("ch1").IntegratedVoltage().Raw())

	emitted := len(prog.Instructions())
	require.NoError(t, seq.ApplyCompensationPulse(DefaultMaxCompensationVoltage))
	assert.Len(t, prog.Instructions(), emitted, "zero net charge needs no pulse")
	assert.Equal(t, -0.1, seq.Tracker("ch1").CurrentLevel().Volts())

	require.NoError(t, seq.RampToZero(Dur(100)))
	ramped := false
	for _, in := range prog.Instructions() {
		if in.Op == qprog.OpPlayRamp && in.Channel == "ch1" {
			ramped = true
		}
	}
	assert.True(t, ramped, "the channel must still be ramped back to zero")
	assert.Equal(t, 0.0, seq.Tracker("ch1").CurrentLevel().Volts())
}

func TestCompensationInvalidCap(t *testing.T) {
	seq, _ := newTestSequence(t)
	require.Error(t, seq.ApplyCompensationPulse(0))
	require.Error(t, seq.ApplyCompensationPulse(-0.5))
}

func TestCompensationDoesNotResetAccumulator(t *testing.T) {
	seq, _ := newTestSequence(t)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.3)}, Dur(1000)))
	acc := seq.Tracker("ch1").IntegratedVoltage().Raw()
	require.NoError(t, seq.ApplyCompensationPulse(DefaultMaxCompensationVoltage))
	assert.Equal(t, acc, seq.Tracker("ch1").IntegratedVoltage().Raw())
}

func TestCompensationSymbolic(t *testing.T) {
	seq, prog := newTestSequence(t)
	bias := prog.DeclareFixed("bias", 0)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": SymV(qprog.Ref(bias))}, Dur(100)))

	require.NoError(t, seq.ApplyCompensationPulse(DefaultMaxCompensationVoltage))
	assert.True(t, seq.Tracker("ch1").CurrentLevel().Symbolic(),
		"compensation level of a promoted channel is runtime-computed")

	var comp *qprog.Instr
	for i := range prog.Instructions() {
		in := &prog.Instructions()[i]
		if in.Op == qprog.OpPlay && in.Channel == "ch1" {
			comp = in
		}
	}
	require.NotNil(t, comp)

	// Duration: |acc| scaled by 1/(1024*maxV), rounded up to the clock
	// grid, floored at 48 ns, converted to ticks.
	dur := comp.Dur.String()
	assert.Contains(t, dur, "abs(ch1_int_v)")
	assert.Contains(t, dur, "+ 3) >> 2) << 2)")
	assert.Contains(t, dur, "max 48")
	assert.Regexp(t, `>> 2\)$`, dur)

	// Amplitude: -(acc/1024)/dur minus the current level, scaled onto
	// the base waveform.
	amp := comp.Arg.String()
	assert.Contains(t, amp, "(ch1_int_v *. 0.0009765625)")
	assert.Contains(t, amp, "inv(")
	assert.Contains(t, amp, "- ch1_level)")
	assert.Regexp(t, `<< 2\)$`, amp)
}

// Channels whose base waveform amplitude is not a power of two cannot
// be scaled with a shift; symbolic deltas multiply instead.
func TestSymbolicScaleNonPowerOfTwoBase(t *testing.T) {
	gs, err := NewGateSet(GateSetOpts{
		Name:     "amped",
		Channels: []Channel{{Name: "ch1", BaseAmplitude: 1.25}},
	})
	require.NoError(t, err)
	prog := qprog.New()
	seq, err := gs.NewSequence(prog)
	require.NoError(t, err)
	bias := prog.DeclareFixed("bias", 0)

	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": SymV(qprog.Ref(bias))}, Dur(100)))
	var play *qprog.Instr
	for i := range prog.Instructions() {
		if prog.Instructions()[i].Op == qprog.OpPlay {
			play = &prog.Instructions()[i]
		}
	}
	require.NotNil(t, play)
	assert.Equal(t, "((bias - 0) * 0.8)", play.Arg.String())
}

func TestRampToZero(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.3), "ch2": V(-0.1)}, Dur(1000)))

	require.NoError(t, seq.RampToZero(Dur(100)))

	ramps := 0
	for _, in := range prog.Instructions() {
		if in.Op == qprog.OpPlayRamp {
			ramps++
		}
	}
	assert.Equal(t, 2, ramps)
	for _, ch := range []string{"ch1", "ch2"} {
		assert.Equal(t, 0.0, seq.Tracker(ch).CurrentLevel().Volts())
		assert.Equal(t, int64(0), seq.Tracker(ch).IntegratedVoltage().Raw())
	}
}

func TestRampToZeroNative(t *testing.T) {
	seq, prog := newTestSequence(t)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": V(0.3)}, Dur(1000)))

	require.NoError(t, seq.RampToZero(Duration{}))
	native := 0
	for _, in := range prog.Instructions() {
		if in.Op == qprog.OpRampToZero {
			native++
		}
	}
	assert.Equal(t, 2, native, "native ramp-to-zero covers every channel")
}

func TestRampToZeroSymbolicResetsViaAssign(t *testing.T) {
	seq, prog := newTestSequence(t)
	bias := prog.DeclareFixed("bias", 0)
	require.NoError(t, seq.StepToVoltages(map[string]Value{"ch1": SymV(qprog.Ref(bias))}, Dur(100)))
	require.True(t, seq.Tracker("ch1").Promoted())

	require.NoError(t, seq.RampToZero(Dur(100)))
	last := prog.Instructions()[len(prog.Instructions())-1]
	assert.Equal(t, qprog.OpAssign, last.Op)
	assert.Equal(t, qprog.IntConst(0), last.Arg, "promoted accumulator is assigned back to zero")
}

type fakeMachine map[string]bool

func (f fakeMachine) HasBasePulse(ch string) bool { return f[ch] }

func TestCheckConfig(t *testing.T) {
	seq, _ := newTestSequence(t)

	assert.Empty(t, seq.CheckConfig(fakeMachine{"ch1": true, "ch2": true}))

	problems := seq.CheckConfig(fakeMachine{"ch1": true})
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "ch2")
}
