package channel

import (
	"errors"
	"fmt"

	"github.com/thatsimonsguy/replenisher/internal/model"
	"github.com/thatsimonsguy/replenisher/internal/pump"
)

// ErrInsufficientFill means the syringe could not be filled to the volume a cycle
// needs. It points at a mechanical problem (air lock, empty reservoir), not the link.
var ErrInsufficientFill = errors.New("syringe insufficient after fill")

type InsufficientFillError struct {
	Channel string
	HaveUl  float64
	NeedUl  float64
}

func (e *InsufficientFillError) Error() string {
	return fmt.Sprintf("channel %q: syringe holds %.1f uL after fill, need %.1f uL", e.Channel, e.HaveUl, e.NeedUl)
}

func (e *InsufficientFillError) Is(target error) bool {
	return target == ErrInsufficientFill
}

// StepError wraps a driver failure with the cycle step it interrupted.
type StepError struct {
	Channel string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("channel %q: %s: %v", e.Channel, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Classify maps a cycle error onto the fault taxonomy used by reporters.
func Classify(err error) model.FaultKind {
	var devErr *pump.DeviceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFill):
		return model.FaultInsufficientFill
	case errors.Is(err, pump.ErrLink):
		return model.FaultTransport
	case errors.As(err, &devErr):
		return model.FaultDevice
	default:
		return model.FaultOther
	}
}

// StepOf returns the step name carried by err, or "" if there is none.
func StepOf(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	if errors.Is(err, ErrInsufficientFill) {
		return StepFillSyringe
	}
	return ""
}
