package qprog

import (
	"fmt"
	"strconv"
)

// An Expr is a side-effect-free arithmetic expression over program
// variables and constants. Expressions are purely structural: nothing in
// this package evaluates them, they are handed to the control runtime
// which computes them on hardware during execution.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// IntConst is a compile-time integer scalar.
type IntConst int64

// FixedConst is a compile-time fixed-point scalar.
type FixedConst float64

// A VarRef reads the current value of a declared variable.
type VarRef struct {
	V *Var
}

type binExpr struct {
	op   string
	a, b Expr
}

type unExpr struct {
	op string
	a  Expr
}

func (IntConst) isExpr()   {}
func (FixedConst) isExpr() {}
func (VarRef) isExpr()     {}
func (binExpr) isExpr()    {}
func (unExpr) isExpr()     {}

func (c IntConst) String() string   { return strconv.FormatInt(int64(c), 10) }
func (c FixedConst) String() string { return strconv.FormatFloat(float64(c), 'g', -1, 64) }
func (r VarRef) String() string     { return r.V.Name() }
func (e binExpr) String() string    { return "(" + e.a.String() + " " + e.op + " " + e.b.String() + ")" }
func (e unExpr) String() string     { return e.op + "(" + e.a.String() + ")" }

// Ref returns an expression reading v.
func Ref(v *Var) Expr { return VarRef{V: v} }

// Add returns a+b.
func Add(a, b Expr) Expr { return binExpr{op: "+", a: a, b: b} }

// Sub returns a-b.
func Sub(a, b Expr) Expr { return binExpr{op: "-", a: a, b: b} }

// Mul returns a*b.
func Mul(a, b Expr) Expr { return binExpr{op: "*", a: a, b: b} }

// Neg returns -a.
func Neg(a Expr) Expr { return unExpr{op: "-", a: a} }

// Shl returns a<<n.
func Shl(a Expr, n uint) Expr { return binExpr{op: "<<", a: a, b: IntConst(n)} }

// Shr returns a>>n.
func Shr(a Expr, n uint) Expr { return binExpr{op: ">>", a: a, b: IntConst(n)} }

// MulIntByFixed returns the integer result of scaling an integer
// expression by a fixed-point expression, the runtime's fused
// int-times-fixed primitive.
func MulIntByFixed(i, f Expr) Expr { return binExpr{op: "*.", a: i, b: f} }

// Inv returns the fixed-point reciprocal 1/a.
func Inv(a Expr) Expr { return unExpr{op: "inv", a: a} }

// Abs returns |a|.
func Abs(a Expr) Expr { return unExpr{op: "abs", a: a} }

// Max returns the larger of a and b.
func Max(a, b Expr) Expr { return binExpr{op: "max", a: a, b: b} }
