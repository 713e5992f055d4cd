package voltseq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdlab/dotctl/qprog"
)

func newTestVirtualGateSet(t *testing.T) *VirtualGateSet {
	t.Helper()
	gs, err := NewVirtualGateSet(GateSetOpts{
		Name:     "dot1",
		Channels: []Channel{{Name: "P1"}, {Name: "P2"}},
	})
	require.NoError(t, err)
	return gs
}

func TestAddLayerDimensionMismatch(t *testing.T) {
	gs := newTestVirtualGateSet(t)

	_, err := gs.AddLayer([]string{"v1", "v2"}, []string{"P1", "P2"}, [][]float64{{1, 0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = gs.AddLayer([]string{"v1", "v2"}, []string{"P1", "P2"}, [][]float64{{1, 0}, {0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}

func TestAddLayerTargetValidation(t *testing.T) {
	gs := newTestVirtualGateSet(t)

	_, err := gs.AddLayer([]string{"v1"}, []string{"ghost"}, [][]float64{{1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannelNotFound))

	_, err = gs.AddLayer([]string{"P1"}, []string{"P2"}, [][]float64{{1}})
	require.Error(t, err, "source colliding with a physical channel")

	_, err = gs.AddLayer([]string{"v1", "v2"}, []string{"P1", "P2"},
		[][]float64{{1, 0.3}, {0.4, 1}})
	require.NoError(t, err)

	_, err = gs.AddLayer([]string{"w1", "w2"}, []string{"P1", "P2"},
		[][]float64{{1, 0}, {0, 1}})
	require.Error(t, err, "targets already driven by an earlier layer")

	_, err = gs.AddLayer([]string{"v1"}, []string{"v2"}, [][]float64{{1}})
	require.Error(t, err, "source reused from an earlier layer")
}

func TestSingleLayerResolution(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1", "v2"}, []string{"P1", "P2"},
		[][]float64{{1, 0.3}, {0.4, 1}})
	require.NoError(t, err)

	resolved, err := gs.ResolveVoltages(map[string]Value{"v1": V(0.5), "v2": V(-0.2)})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.InDelta(t, 1*0.5+0.3*-0.2, resolved["P1"].Volts(), 1e-12)
	assert.InDelta(t, 0.4*0.5+1*-0.2, resolved["P2"].Volts(), 1e-12)
}

// Two stacked layers must resolve as the matrix chain M2*(M1*v).
func TestMatrixChainResolution(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	m2 := [][]float64{{1, 0.2}, {0.1, 1}} // mid -> physical
	m1 := [][]float64{{0.9, -0.3}, {0.5, 1.1}} // virtual -> mid
	_, err := gs.AddLayer([]string{"m1", "m2"}, []string{"P1", "P2"}, m2)
	require.NoError(t, err)
	_, err = gs.AddLayer([]string{"u1", "u2"}, []string{"m1", "m2"}, m1)
	require.NoError(t, err)

	v := []float64{0.25, -0.4}
	mid := []float64{
		m1[0][0]*v[0] + m1[0][1]*v[1],
		m1[1][0]*v[0] + m1[1][1]*v[1],
	}
	want := []float64{
		m2[0][0]*mid[0] + m2[0][1]*mid[1],
		m2[1][0]*mid[0] + m2[1][1]*mid[1],
	}

	resolved, err := gs.ResolveVoltages(map[string]Value{"u1": V(v[0]), "u2": V(v[1])})
	require.NoError(t, err)
	assert.InDelta(t, want[0], resolved["P1"].Volts(), 1e-12)
	assert.InDelta(t, want[1], resolved["P2"].Volts(), 1e-12)
}

func TestMixedVirtualAndPhysicalResolution(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1"}, []string{"P1"}, [][]float64{{2}})
	require.NoError(t, err)

	resolved, err := gs.ResolveVoltages(map[string]Value{"v1": V(0.1), "P1": V(0.05)})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, resolved["P1"].Volts(), 1e-12)
}

func TestSymbolicVirtualVoltageRejected(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1"}, []string{"P1"}, [][]float64{{1}})
	require.NoError(t, err)

	prog := qprog.New()
	x := prog.DeclareFixed("x", 0)
	_, err = gs.ResolveVoltages(map[string]Value{"v1": SymV(qprog.Ref(x))})
	require.Error(t, err)
}

func TestUpdateLayerMatrix(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1"}, []string{"P1"}, [][]float64{{1}})
	require.NoError(t, err)

	require.Error(t, gs.UpdateLayerMatrix(1, [][]float64{{2}}), "no such layer")
	err = gs.UpdateLayerMatrix(0, [][]float64{{2, 3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	require.NoError(t, gs.UpdateLayerMatrix(0, [][]float64{{2}}))
	resolved, err := gs.ResolveVoltages(map[string]Value{"v1": V(0.1)})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, resolved["P1"].Volts(), 1e-12)
}

// An in-place matrix update changes subsequent resolutions, never
// already-emitted pulses.
func TestUpdateLayerMatrixDoesNotRewriteHistory(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1"}, []string{"P1"}, [][]float64{{1}})
	require.NoError(t, err)

	prog := qprog.New()
	seq, err := gs.NewSequence(prog)
	require.NoError(t, err)

	require.NoError(t, seq.StepToVoltages(map[string]Value{"v1": V(0.1)}, Dur(100)))
	before := prog.Instructions()[0].Arg

	require.NoError(t, gs.UpdateLayerMatrix(0, [][]float64{{3}}))
	assert.Equal(t, before, prog.Instructions()[0].Arg)

	require.NoError(t, seq.StepToVoltages(map[string]Value{"v1": V(0.1)}, Dur(100)))
	// New matrix: target 0.3, delta from 0.1.
	assert.Equal(t, qprog.FixedConst(0.8), prog.Instructions()[1].Arg)
}

func TestVirtualPointEndToEnd(t *testing.T) {
	gs := newTestVirtualGateSet(t)
	_, err := gs.AddLayer([]string{"v1", "v2"}, []string{"P1", "P2"},
		[][]float64{{1, 0.5}, {0, 1}})
	require.NoError(t, err)

	require.NoError(t, gs.AddPoint("op", map[string]float64{"v1": 0.2, "v2": 0.1}, 100))
	err = gs.AddPoint("bad", map[string]float64{"v3": 0.2}, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannelNotFound))

	prog := qprog.New()
	seq, err := gs.NewSequence(prog)
	require.NoError(t, err)
	require.NoError(t, seq.StepToPoint("op", Duration{}))

	// v1=0.2, v2=0.1 -> P1 = 0.2 + 0.05, P2 = 0.1.
	assert.InDelta(t, 0.25, seq.Tracker("P1").CurrentLevel().Volts(), 1e-12)
	assert.InDelta(t, 0.1, seq.Tracker("P2").CurrentLevel().Volts(), 1e-12)
}
