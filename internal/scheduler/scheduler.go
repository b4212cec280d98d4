package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/channel"
	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

type Settings struct {
	Start    time.Time
	Duration time.Duration
	// PollInterval is slept between sweeps.
	PollInterval time.Duration
	// SweepStagger is slept before each channel's due check so back-to-back polls do
	// not saturate the shared serial link.
	SweepStagger time.Duration
	// StatusReportInterval spaces the all-channel status heartbeat. Zero disables it.
	StatusReportInterval time.Duration
	// AbortOnFault ends the experiment on any failed cycle instead of only on link
	// faults.
	AbortOnFault bool
}

// Scheduler polls every channel in a fixed order and runs the cycles that are due,
// one at a time.
type Scheduler struct {
	settings Settings
	channels []*channel.Channel
	clock    clock.Clock
	reporter Reporter

	lastStatus time.Time
	outcome    model.Outcome
}

func New(settings Settings, channels []*channel.Channel, clk clock.Clock, reporter Reporter) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Scheduler{
		settings:   settings,
		channels:   channels,
		clock:      clk,
		reporter:   reporter,
		lastStatus: settings.Start,
		outcome:    model.OutcomeRunning,
	}
}

func (s *Scheduler) Channels() []*channel.Channel {
	return s.channels
}

// Complete reports whether the experiment duration has elapsed at now.
func (s *Scheduler) Complete(now time.Time) bool {
	return now.Sub(s.settings.Start) >= s.settings.Duration
}

func (s *Scheduler) Status(now time.Time) model.ExperimentStatus {
	elapsed := now.Sub(s.settings.Start)
	if elapsed < 0 {
		elapsed = 0
	}
	return model.ExperimentStatus{
		Start:    s.settings.Start,
		Duration: s.settings.Duration,
		Elapsed:  elapsed,
		Outcome:  s.outcome,
		Channels: len(s.channels),
	}
}

func (s *Scheduler) Snapshots(now time.Time) []model.Snapshot {
	snaps := make([]model.Snapshot, 0, len(s.channels))
	for _, ch := range s.channels {
		snaps = append(snaps, ch.Snapshot(now))
	}
	return snaps
}

// Run drives the loop until the duration elapses, a fatal fault occurs or ctx is
// cancelled. Cancellation is only observed between channels, never mid-cycle.
func (s *Scheduler) Run(ctx context.Context) (model.Outcome, error) {
	log.Info().
		Time("start", s.settings.Start).
		Dur("duration", s.settings.Duration).
		Int("channels", len(s.channels)).
		Msg("Starting replenishment scheduler")

	for {
		now := s.clock.Now()
		if s.Complete(now) {
			return s.finish(model.OutcomeComplete, nil)
		}

		if err := s.Sweep(ctx, now); err != nil {
			if ctx.Err() != nil {
				return s.finish(model.OutcomeCancelled, nil)
			}
			return s.finish(model.OutcomeAborted, err)
		}

		s.heartbeat(s.clock.Now())

		if err := s.clock.SleepContext(ctx, s.settings.PollInterval); err != nil {
			return s.finish(model.OutcomeCancelled, nil)
		}
	}
}

// Sweep checks every channel once against now and runs the due cycles. It returns an
// error only when the experiment must stop.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) error {
	for _, ch := range s.channels {
		if err := s.clock.SleepContext(ctx, s.settings.SweepStagger); err != nil {
			return err
		}
		if !ch.IsDue(now) {
			continue
		}

		if backlog := ch.Backlog(now); backlog > 1 {
			log.Warn().
				Str("channel", ch.Name()).
				Int("cycle", ch.CycleCount()).
				Int("missed", backlog-1).
				Msg("Channel fell behind schedule, skipped cycles will not be caught up")
		}

		err := ch.RunCycle()
		if err == nil {
			s.reporter.CycleCompleted(ch.StatusReport())
			continue
		}
		// A failed re-check comes after the delivery, which is already counted.
		if channel.StepOf(err) == channel.StepRecheckSyringe {
			s.reporter.CycleCompleted(ch.StatusReport())
		}

		fault := model.Fault{
			Time:    s.clock.Now(),
			Channel: ch.Name(),
			Kind:    channel.Classify(err),
			Step:    channel.StepOf(err),
			Err:     err,
			Message: err.Error(),
		}
		s.reporter.CycleFailed(fault)

		if fault.Kind == model.FaultTransport {
			return fmt.Errorf("link fault on channel %q: %w", ch.Name(), err)
		}
		if s.settings.AbortOnFault {
			return fmt.Errorf("aborting on %s fault: %w", fault.Kind, err)
		}
	}
	return nil
}

func (s *Scheduler) heartbeat(now time.Time) {
	interval := s.settings.StatusReportInterval
	if interval <= 0 || now.Sub(s.lastStatus) < interval {
		return
	}
	s.lastStatus = now
	s.reporter.Status(s.Snapshots(now))
}

func (s *Scheduler) finish(outcome model.Outcome, err error) (model.Outcome, error) {
	s.outcome = outcome
	now := s.clock.Now()
	s.reporter.Status(s.Snapshots(now))
	s.reporter.Finished(s.Status(now), err)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return outcome, err
}
