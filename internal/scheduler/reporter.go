package scheduler

import (
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/model"
)

// Reporter receives everything the loop observes. Implementations must not block
// for long; they run on the scheduler goroutine.
type Reporter interface {
	CycleCompleted(snap model.Snapshot)
	CycleFailed(fault model.Fault)
	Status(snaps []model.Snapshot)
	Finished(status model.ExperimentStatus, err error)
}

// NopReporter can be embedded to implement only the callbacks a reporter cares about.
type NopReporter struct{}

func (NopReporter) CycleCompleted(model.Snapshot)          {}
func (NopReporter) CycleFailed(model.Fault)                {}
func (NopReporter) Status([]model.Snapshot)                {}
func (NopReporter) Finished(model.ExperimentStatus, error) {}

// Reporters fans every callback out in order.
type Reporters []Reporter

func (rs Reporters) CycleCompleted(snap model.Snapshot) {
	for _, r := range rs {
		r.CycleCompleted(snap)
	}
}

func (rs Reporters) CycleFailed(fault model.Fault) {
	for _, r := range rs {
		r.CycleFailed(fault)
	}
}

func (rs Reporters) Status(snaps []model.Snapshot) {
	for _, r := range rs {
		r.Status(snaps)
	}
}

func (rs Reporters) Finished(status model.ExperimentStatus, err error) {
	for _, r := range rs {
		r.Finished(status, err)
	}
}

// LogReporter writes the status lines.
type LogReporter struct{}

func (LogReporter) CycleCompleted(snap model.Snapshot) {
	logSnapshot(snap, "Cycle complete")
}

func (LogReporter) CycleFailed(fault model.Fault) {
	log.Error().
		Err(fault.Err).
		Str("channel", fault.Channel).
		Str("kind", string(fault.Kind)).
		Str("step", fault.Step).
		Msg("Cycle failed")
}

func (LogReporter) Status(snaps []model.Snapshot) {
	for _, snap := range snaps {
		logSnapshot(snap, "Channel status")
	}
}

func (LogReporter) Finished(status model.ExperimentStatus, err error) {
	evt := log.Info()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.
		Str("outcome", string(status.Outcome)).
		Dur("elapsed", status.Elapsed).
		Dur("duration", status.Duration).
		Msg("Experiment finished")
}

func logSnapshot(snap model.Snapshot, msg string) {
	log.Info().
		Time("at", snap.Time).
		Str("channel", snap.Name).
		Int("cycle", snap.CycleCount).
		Float64("in_ul", snap.CumulativeInUl).
		Float64("out_ul", snap.CumulativeOutUl).
		Float64("syringe_ul", snap.SyringeUl).
		Msg(msg)
}
