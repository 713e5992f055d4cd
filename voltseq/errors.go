package voltseq

import "github.com/pkg/errors"

// Error taxonomy. Validation errors mean the caller's program
// description is wrong and must be fixed; ErrState means the sequencer
// itself reached an impossible representation.
var (
	// ErrChannelNotFound reports a voltage keyed by a name that is not a
	// channel (or virtual gate) of the gate set.
	ErrChannelNotFound = errors.New("channel not in gate set")

	// ErrPointExists reports AddPoint on a name already registered.
	ErrPointExists = errors.New("voltage point already exists")

	// ErrPointNotFound reports a step/ramp to an unregistered point.
	ErrPointNotFound = errors.New("voltage point not found")

	// ErrDimensionMismatch reports a virtualization matrix whose shape
	// does not match its source/target gate lists.
	ErrDimensionMismatch = errors.New("matrix dimension mismatch")

	// ErrInvalidDuration reports a duration below the minimum pulse
	// length or off the clock-tick grid.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrState reports an internal invariant violation. Not retryable;
	// indicates a bug in the sequencer, not caller misuse.
	ErrState = errors.New("inconsistent sequence state")
)

// validateHold checks a hold duration against the hardware grid.
// Symbolic durations pass; the runtime enforces its own grid.
func validateHold(d Duration, what string) error {
	if d.Symbolic() {
		return nil
	}
	if d.ns < MinPulseNs {
		return errors.Wrapf(ErrInvalidDuration, "%s %dns is below the %dns minimum", what, d.ns, MinPulseNs)
	}
	if d.ns%ClockTickNs != 0 {
		return errors.Wrapf(ErrInvalidDuration, "%s %dns is not a multiple of the %dns clock tick", what, d.ns, ClockTickNs)
	}
	return nil
}

// validateRamp checks a ramp duration. Zero is allowed and means "step".
func validateRamp(d Duration) error {
	if d.Symbolic() {
		return nil
	}
	if d.ns < 0 {
		return errors.Wrapf(ErrInvalidDuration, "ramp duration %dns is negative", d.ns)
	}
	if d.ns%ClockTickNs != 0 {
		return errors.Wrapf(ErrInvalidDuration, "ramp duration %dns is not a multiple of the %dns clock tick", d.ns, ClockTickNs)
	}
	return nil
}
