// Package qprog builds deferred control programs: ordered lists of
// channel instructions and symbolic variable assignments that a control
// runtime compiles into hardware programs. It is the construction-time
// stand-in for that runtime; nothing here talks to hardware.
package qprog

import (
	"fmt"
	"strings"
)

// VarType distinguishes the two scalar representations the runtime
// supports.
type VarType int

const (
	// IntVar holds a hardware integer.
	IntVar VarType = iota
	// FixedVar holds a hardware fixed-point real.
	FixedVar
)

func (t VarType) String() string {
	if t == IntVar {
		return "int"
	}
	return "fixed"
}

// A Var is a symbolic variable whose value exists only at hardware
// execution time. Vars are created through Program.DeclareInt and
// Program.DeclareFixed and are only meaningful within that program.
type Var struct {
	name string
	typ  VarType
}

// Name returns the variable's unique name within its program.
func (v *Var) Name() string { return v.name }

// Type returns the variable's scalar representation.
func (v *Var) Type() VarType { return v.typ }

// Op tags the instruction variants a program can contain.
type Op int

const (
	// OpDeclare introduces a symbolic variable with an initial value.
	OpDeclare Op = iota
	// OpAssign stores Arg into V.
	OpAssign
	// OpPlay emits a sticky DC step on Channel: the base waveform scaled
	// by Arg, held for Dur clock ticks. The output persists until the
	// next instruction on the same channel.
	OpPlay
	// OpPlayRamp emits a linear ramp on Channel at rate Arg (V per ns)
	// for Dur clock ticks.
	OpPlayRamp
	// OpWait holds Channel at its current output for Dur clock ticks.
	OpWait
	// OpRampToZero invokes the runtime's native return-to-zero on
	// Channel.
	OpRampToZero
)

// An Instr is one deferred operation. Which fields are meaningful
// depends on Op; see the Op constants.
type Instr struct {
	Op      Op
	Channel string
	V       *Var
	Arg     Expr
	Dur     Expr
}

func (in Instr) String() string {
	switch in.Op {
	case OpDeclare:
		return fmt.Sprintf("declare %s %s = %s", in.V.Type(), in.V.Name(), in.Arg)
	case OpAssign:
		return fmt.Sprintf("assign %s = %s", in.V.Name(), in.Arg)
	case OpPlay:
		return fmt.Sprintf("play %s amp=%s dur=%s", in.Channel, in.Arg, in.Dur)
	case OpPlayRamp:
		return fmt.Sprintf("ramp %s rate=%s dur=%s", in.Channel, in.Arg, in.Dur)
	case OpWait:
		return fmt.Sprintf("wait %s dur=%s", in.Channel, in.Dur)
	case OpRampToZero:
		return fmt.Sprintf("ramp_to_zero %s", in.Channel)
	}
	return fmt.Sprintf("op(%d)", in.Op)
}

// A Program accumulates instructions in emission order. It is not safe
// for concurrent use; program construction is single threaded by
// contract with the runtime.
type Program struct {
	instrs []Instr
	vars   []*Var
	used   map[string]int
}

// New returns an empty program.
func New() *Program {
	return &Program{used: make(map[string]int)}
}

func (p *Program) uniqueName(name string) string {
	if name == "" {
		name = "v"
	}
	n := p.used[name]
	p.used[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n)
}

// DeclareInt declares a symbolic integer variable initialized to init.
// The requested name is suffixed if already taken.
func (p *Program) DeclareInt(name string, init int64) *Var {
	v := &Var{name: p.uniqueName(name), typ: IntVar}
	p.vars = append(p.vars, v)
	p.instrs = append(p.instrs, Instr{Op: OpDeclare, V: v, Arg: IntConst(init)})
	return v
}

// DeclareFixed declares a symbolic fixed-point variable initialized to
// init. The requested name is suffixed if already taken.
func (p *Program) DeclareFixed(name string, init float64) *Var {
	v := &Var{name: p.uniqueName(name), typ: FixedVar}
	p.vars = append(p.vars, v)
	p.instrs = append(p.instrs, Instr{Op: OpDeclare, V: v, Arg: FixedConst(init)})
	return v
}

// Assign stores the value of e into v at execution time.
func (p *Program) Assign(v *Var, e Expr) {
	p.instrs = append(p.instrs, Instr{Op: OpAssign, V: v, Arg: e})
}

// Play emits a sticky DC step on channel: base waveform scaled by
// ampScale, held for durTicks clock ticks.
func (p *Program) Play(channel string, ampScale, durTicks Expr) {
	p.instrs = append(p.instrs, Instr{Op: OpPlay, Channel: channel, Arg: ampScale, Dur: durTicks})
}

// PlayRamp emits a linear ramp on channel at rate volts-per-ns for
// durTicks clock ticks.
func (p *Program) PlayRamp(channel string, rate, durTicks Expr) {
	p.instrs = append(p.instrs, Instr{Op: OpPlayRamp, Channel: channel, Arg: rate, Dur: durTicks})
}

// Wait holds channel at its current output for durTicks clock ticks.
func (p *Program) Wait(channel string, durTicks Expr) {
	p.instrs = append(p.instrs, Instr{Op: OpWait, Channel: channel, Dur: durTicks})
}

// RampToZero invokes the runtime's native return-to-zero on channel.
func (p *Program) RampToZero(channel string) {
	p.instrs = append(p.instrs, Instr{Op: OpRampToZero, Channel: channel})
}

// Instructions returns the instructions emitted so far, in order. The
// returned slice is the program's backing store; callers must not
// modify it.
func (p *Program) Instructions() []Instr { return p.instrs }

// Vars returns every variable declared so far, in declaration order.
func (p *Program) Vars() []*Var { return p.vars }

// Listing renders the program as newline-separated instruction text.
func (p *Program) Listing() string {
	var b strings.Builder
	for _, in := range p.instrs {
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	return b.String()
}
