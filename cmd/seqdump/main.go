// seqdump builds a voltage sequence from a YAML machine description and
// a scripted list of voltage points, applies end-of-sequence
// compensation, and prints the deferred control program it would hand
// to the runtime. Useful for diffing emitted programs across machine
// or point edits.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/qdlab/dotctl/config"
	"github.com/qdlab/dotctl/qprog"
	"github.com/qdlab/dotctl/voltseq"
)

var (
	machinePath = flag.String("machine", "machine.yaml", "Path to the YAML machine description.")
	gateSet     = flag.String("gateset", "", "Name of the gate set to sequence on.")
	points      = flag.StringSlice("points", nil, "Voltage points to visit, in order.")
	rampNs      = flag.Int64("ramp", 0, "Ramp duration in ns; 0 steps instead of ramping.")
	holdNs      = flag.Int64("hold", 0, "Hold duration in ns; 0 uses each point's default.")
	compensate  = flag.Bool("compensate", true, "Apply a compensation pulse after the last point.")
	maxVoltage  = flag.Float64("max-voltage", voltseq.DefaultMaxCompensationVoltage, "Compensation amplitude cap in volts.")
	zeroRampNs  = flag.Int64("zero-ramp", 0, "Final ramp-to-zero duration in ns; 0 uses the runtime's native ramp.")
	debug       = flag.Bool("debug", false, "Enable debug logging.")
)

func main() {
	flag.Parse()
	logger := zap.NewNop()
	if *debug {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
			os.Exit(1)
		}
	}
	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "seqdump: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	machine, err := config.Load(*machinePath)
	if err != nil {
		return err
	}
	if *gateSet == "" && len(machine.GateSets) > 0 {
		*gateSet = machine.GateSets[0].Name
	}
	gs, err := config.BuildVirtualGateSet(machine, *gateSet, logger)
	if err != nil {
		return err
	}

	prog := qprog.New()
	seq, err := gs.NewSequence(prog)
	if err != nil {
		return err
	}
	for _, problem := range seq.CheckConfig(machine) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", problem)
	}

	for _, point := range *points {
		if *rampNs > 0 {
			err = seq.RampToPoint(point, voltseq.Dur(*rampNs), voltseq.Dur(*holdNs))
		} else {
			err = seq.StepToPoint(point, voltseq.Dur(*holdNs))
		}
		if err != nil {
			return err
		}
	}
	if *compensate {
		if err := seq.ApplyCompensationPulse(*maxVoltage); err != nil {
			return err
		}
	}
	if err := seq.RampToZero(voltseq.Dur(*zeroRampNs)); err != nil {
		return err
	}

	fmt.Print(prog.Listing())
	return nil
}
