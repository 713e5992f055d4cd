package voltseq

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/qdlab/dotctl/qprog"
)

// A Layer is one linear transform in a virtual gate stack: voltages on
// its source (virtual) gates map onto its target gates through a real
// matrix with one row per target and one column per source. The matrix
// is typically a capacitance cross-coupling compensation.
type Layer struct {
	sources []string
	targets []string
	m       *mat.Dense
}

// Sources returns the layer's virtual gate names.
func (l *Layer) Sources() []string {
	out := make([]string, len(l.sources))
	copy(out, l.sources)
	return out
}

// Targets returns the gate names this layer drives.
func (l *Layer) Targets() []string {
	out := make([]string, len(l.targets))
	copy(out, l.targets)
	return out
}

// A VirtualGateSet is a GateSet fronted by an ordered stack of linear
// virtualization layers, letting callers address logical gate axes
// while the physical channels receive the matrix-resolved
// combinations. The first registered layer must target physical
// channels; each later layer targets sources of earlier layers, so the
// stack always resolves down to hardware.
type VirtualGateSet struct {
	*GateSet
	layers []*Layer
}

// NewVirtualGateSet returns a virtual gate set with no layers; it
// behaves exactly like a GateSet until AddLayer is called.
func NewVirtualGateSet(opts GateSetOpts) (*VirtualGateSet, error) {
	base, err := NewGateSet(opts)
	if err != nil {
		return nil, err
	}
	return &VirtualGateSet{GateSet: base}, nil
}

// ValidName reports whether name addresses a physical channel or a
// virtual gate of any layer.
func (s *VirtualGateSet) ValidName(name string) bool {
	if s.GateSet.ValidName(name) {
		return true
	}
	for _, l := range s.layers {
		for _, src := range l.sources {
			if src == name {
				return true
			}
		}
	}
	return false
}

// AddLayer registers a linear transform from source (virtual) gates to
// target gates. matrix must have len(targets) rows of len(sources)
// columns. Targets must be physical channels or sources of an earlier
// layer, and neither sources nor targets may collide with any earlier
// layer's.
func (s *VirtualGateSet) AddLayer(sources, targets []string, matrix [][]float64) (*Layer, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, errors.Errorf("gate set %q: layer needs at least one source and one target gate", s.name)
	}
	if len(matrix) != len(targets) {
		return nil, errors.Wrapf(ErrDimensionMismatch,
			"gate set %q: matrix has %d rows for %d target gates", s.name, len(matrix), len(targets))
	}
	for i, row := range matrix {
		if len(row) != len(sources) {
			return nil, errors.Wrapf(ErrDimensionMismatch,
				"gate set %q: matrix row %d has %d columns for %d source gates", s.name, i, len(row), len(sources))
		}
	}

	prevSources := make(map[string]bool)
	prevTargets := make(map[string]bool)
	for _, l := range s.layers {
		for _, g := range l.sources {
			prevSources[g] = true
		}
		for _, g := range l.targets {
			prevTargets[g] = true
		}
	}
	for _, tg := range targets {
		if !s.GateSet.ValidName(tg) && !prevSources[tg] {
			return nil, errors.Wrapf(ErrChannelNotFound,
				"target gate %q is neither a physical channel nor a source of an earlier layer", tg)
		}
		if prevTargets[tg] {
			return nil, errors.Errorf("gate set %q: target gate %q is already a target of an earlier layer", s.name, tg)
		}
	}
	for _, sg := range sources {
		if s.GateSet.ValidName(sg) {
			return nil, errors.Errorf("gate set %q: source gate %q collides with a physical channel", s.name, sg)
		}
		if prevSources[sg] {
			return nil, errors.Errorf("gate set %q: source gate %q is already a source of an earlier layer", s.name, sg)
		}
		if prevTargets[sg] {
			return nil, errors.Errorf("gate set %q: source gate %q is already a target of an earlier layer", s.name, sg)
		}
	}

	flat := make([]float64, 0, len(targets)*len(sources))
	for _, row := range matrix {
		flat = append(flat, row...)
	}
	l := &Layer{
		sources: append([]string(nil), sources...),
		targets: append([]string(nil), targets...),
		m:       mat.NewDense(len(targets), len(sources), flat),
	}
	s.layers = append(s.layers, l)
	return l, nil
}

// UpdateLayerMatrix swaps the matrix of the index-th registered layer
// in place. The new matrix takes effect for subsequent resolutions
// only; already-emitted pulses are untouched.
func (s *VirtualGateSet) UpdateLayerMatrix(index int, matrix [][]float64) error {
	if index < 0 || index >= len(s.layers) {
		return errors.Errorf("gate set %q: no layer %d", s.name, index)
	}
	l := s.layers[index]
	if len(matrix) != len(l.targets) {
		return errors.Wrapf(ErrDimensionMismatch,
			"gate set %q: matrix has %d rows for %d target gates", s.name, len(matrix), len(l.targets))
	}
	for i, row := range matrix {
		if len(row) != len(l.sources) {
			return errors.Wrapf(ErrDimensionMismatch,
				"gate set %q: matrix row %d has %d columns for %d source gates", s.name, i, len(row), len(l.sources))
		}
	}
	flat := make([]float64, 0, len(l.targets)*len(l.sources))
	for _, row := range matrix {
		flat = append(flat, row...)
	}
	l.m = mat.NewDense(len(l.targets), len(l.sources), flat)
	return nil
}

// AddPoint registers a named voltage point whose keys may mix physical
// channels and virtual gates; resolution to physical voltages happens
// when a sequence applies the point.
func (s *VirtualGateSet) AddPoint(name string, voltages map[string]float64, holdNs int64) error {
	if _, ok := s.points[name]; ok {
		return errors.Wrapf(ErrPointExists, "point %q in gate set %q", name, s.name)
	}
	return s.setPoint(name, voltages, holdNs, s.ValidName)
}

// ReplacePoint is AddPoint with overwrite permission.
func (s *VirtualGateSet) ReplacePoint(name string, voltages map[string]float64, holdNs int64) error {
	return s.setPoint(name, voltages, holdNs, s.ValidName)
}

// ResolveVoltages maps a voltage assignment over virtual and physical
// gate names down to physical channels, walking layers newest to
// oldest so stacked virtualizations chain. Virtual gate values must be
// concrete: matrix resolution happens at construction time, not on
// hardware. Physical entries may stay symbolic.
func (s *VirtualGateSet) ResolveVoltages(voltages map[string]Value) (map[string]Value, error) {
	resolved := make(map[string]Value, len(voltages))
	for name, v := range voltages {
		if !s.ValidName(name) {
			return nil, errors.Wrapf(ErrChannelNotFound,
				"channel %q is not part of gate set %q", name, s.name)
		}
		resolved[name] = v
	}

	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		touched := false
		src := mat.NewVecDense(len(l.sources), nil)
		for j, name := range l.sources {
			v, ok := resolved[name]
			if !ok {
				continue
			}
			if v.Symbolic() {
				return nil, errors.Errorf(
					"virtual gate %q: symbolic voltages cannot pass through a virtualization matrix", name)
			}
			src.SetVec(j, v.Volts())
			delete(resolved, name)
			touched = true
		}
		if !touched {
			continue
		}
		var out mat.VecDense
		out.MulVec(l.m, src)
		for j, name := range l.targets {
			contribution := out.AtVec(j)
			prior, ok := resolved[name]
			switch {
			case !ok:
				resolved[name] = V(contribution)
			case prior.Symbolic():
				resolved[name] = SymV(qprog.Add(prior.Expr(), qprog.FixedConst(contribution)))
			default:
				resolved[name] = V(prior.Volts() + contribution)
			}
		}
	}
	return resolved, nil
}

// NewSequence opens a sequence whose voltage targets are resolved
// through this set's virtualization layers.
func (s *VirtualGateSet) NewSequence(prog *qprog.Program) (*VoltageSequence, error) {
	return s.GateSet.newSequence(prog, s)
}
