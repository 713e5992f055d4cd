package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qdlab/dotctl/voltseq"
)

// BuildGateSet constructs the named gate set from a machine
// description: a plain GateSet when the description has no layers, the
// base of a VirtualGateSet otherwise (use BuildVirtualGateSet for the
// layered form).
func BuildGateSet(m *Machine, name string, logger *zap.Logger) (*voltseq.GateSet, error) {
	gsc := m.GateSet(name)
	if gsc == nil {
		return nil, errors.Errorf("machine config: no gate set %q", name)
	}
	gs, err := voltseq.NewGateSet(voltseq.GateSetOpts{
		Name:     gsc.Name,
		Channels: buildChannels(m, gsc),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range gsc.Points {
		if err := gs.AddPoint(p.Name, p.Voltages, p.HoldNs); err != nil {
			return nil, errors.Wrapf(err, "gate set %q", name)
		}
	}
	return gs, nil
}

// BuildVirtualGateSet constructs the named gate set with its
// virtualization layers and points. Points may reference virtual
// gates, so layers are registered first.
func BuildVirtualGateSet(m *Machine, name string, logger *zap.Logger) (*voltseq.VirtualGateSet, error) {
	gsc := m.GateSet(name)
	if gsc == nil {
		return nil, errors.Errorf("machine config: no gate set %q", name)
	}
	gs, err := voltseq.NewVirtualGateSet(voltseq.GateSetOpts{
		Name:     gsc.Name,
		Channels: buildChannels(m, gsc),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	for i, l := range gsc.Layers {
		if _, err := gs.AddLayer(l.Sources, l.Targets, l.Matrix); err != nil {
			return nil, errors.Wrapf(err, "gate set %q layer %d", name, i)
		}
	}
	for _, p := range gsc.Points {
		if err := gs.AddPoint(p.Name, p.Voltages, p.HoldNs); err != nil {
			return nil, errors.Wrapf(err, "gate set %q", name)
		}
	}
	return gs, nil
}

func buildChannels(m *Machine, gsc *GateSetConfig) []voltseq.Channel {
	channels := make([]voltseq.Channel, 0, len(gsc.Channels))
	for _, chName := range gsc.Channels {
		cc := m.Channel(chName)
		channels = append(channels, voltseq.Channel{
			Name:          chName,
			BaseAmplitude: cc.baseAmplitude(),
			BasePulseNs:   cc.basePulseNs(),
		})
	}
	return channels
}
