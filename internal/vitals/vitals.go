// Package vitals keeps the rig idle or washing for a fixed period while logging
// progress at a slower cadence.
package vitals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/channel"
	"github.com/thatsimonsguy/replenisher/internal/clock"
)

// Tick is how often a delay wakes up to check for completion and reporting.
const Tick = 5 * time.Second

// Progress is emitted on each report boundary.
type Progress struct {
	Label    string
	Elapsed  time.Duration
	Duration time.Duration
}

// report is swapped in tests.
var report = func(p Progress) {
	log.Info().
		Str("label", p.Label).
		Dur("elapsed", p.Elapsed).
		Dur("duration", p.Duration).
		Msg("Delay in progress")
}

type tracker struct {
	label       string
	duration    time.Duration
	reportEvery time.Duration
	reported    int
}

func (t *tracker) observe(elapsed time.Duration) {
	if t.reportEvery <= 0 {
		return
	}
	n := int(elapsed / t.reportEvery)
	if n < t.reported {
		return
	}
	report(Progress{Label: t.label, Elapsed: elapsed, Duration: t.duration})
	t.reported = n + 1
}

// Delay idles for d. A progress line goes out at every multiple of reportEvery,
// starting at zero; reportEvery of zero disables them.
func Delay(ctx context.Context, clk clock.Clock, d time.Duration, label string, reportEvery time.Duration) error {
	if clk == nil {
		clk = clock.Real{}
	}
	start := clk.Now()
	tr := &tracker{label: label, duration: d, reportEvery: reportEvery}

	for {
		elapsed := clk.Now().Sub(start)
		if elapsed >= d {
			log.Debug().Str("label", label).Dur("duration", d).Msg("Delay complete")
			return nil
		}
		tr.observe(elapsed)
		if err := clk.SleepContext(ctx, Tick); err != nil {
			return err
		}
	}
}

// AutoWash runs wash strokes of volumeUl round-robin across channels until d has
// elapsed. The stroke in progress when d passes is allowed to finish.
func AutoWash(ctx context.Context, clk clock.Clock, channels []*channel.Channel, d time.Duration, volumeUl float64, label string, reportEvery time.Duration) error {
	if len(channels) == 0 {
		return Delay(ctx, clk, d, label, reportEvery)
	}
	if volumeUl <= 0 {
		return fmt.Errorf("wash volume must be positive, got %v", volumeUl)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	start := clk.Now()
	tr := &tracker{label: label, duration: d, reportEvery: reportEvery}

	strokes := 0
	for {
		for _, ch := range channels {
			elapsed := clk.Now().Sub(start)
			if elapsed >= d {
				log.Info().
					Str("label", label).
					Int("strokes", strokes).
					Float64("volume_ul", volumeUl).
					Msg("Wash complete")
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			tr.observe(elapsed)
			if err := ch.WashStroke(volumeUl); err != nil {
				return fmt.Errorf("wash stroke %d: %w", strokes+1, err)
			}
			strokes++
		}
	}
}
