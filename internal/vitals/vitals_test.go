package vitals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/replenisher/internal/channel"
	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/pump"
	"github.com/thatsimonsguy/replenisher/internal/pump/pumptest"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func captureReports(t *testing.T) *[]Progress {
	t.Helper()
	var got []Progress
	orig := report
	report = func(p Progress) { got = append(got, p) }
	t.Cleanup(func() { report = orig })
	return &got
}

func TestDelay_ReportsOnEachBoundary(t *testing.T) {
	got := captureReports(t)
	clk := clock.NewFake(t0)

	require.NoError(t, Delay(context.Background(), clk, time.Minute, "warmup", 20*time.Second))

	assert.Equal(t, time.Minute, clk.Slept())
	require.Len(t, *got, 3)
	assert.Equal(t, time.Duration(0), (*got)[0].Elapsed)
	assert.Equal(t, 20*time.Second, (*got)[1].Elapsed)
	assert.Equal(t, 40*time.Second, (*got)[2].Elapsed)
	assert.Equal(t, "warmup", (*got)[0].Label)
}

func TestDelay_ReportIntervalNotAMultipleOfTick(t *testing.T) {
	got := captureReports(t)
	clk := clock.NewFake(t0)

	// ticks at 0,5,10,...; boundaries at 0,7,14,21 are first seen at 0,10,15,25
	require.NoError(t, Delay(context.Background(), clk, 30*time.Second, "", 7*time.Second))

	var elapsed []time.Duration
	for _, p := range *got {
		elapsed = append(elapsed, p.Elapsed)
	}
	assert.Equal(t, []time.Duration{0, 10 * time.Second, 15 * time.Second, 25 * time.Second}, elapsed)
}

func TestDelay_ZeroReportIntervalIsSilent(t *testing.T) {
	got := captureReports(t)
	clk := clock.NewFake(t0)

	require.NoError(t, Delay(context.Background(), clk, 12*time.Second, "", 0))
	assert.Empty(t, *got)
	assert.Equal(t, 15*time.Second, clk.Slept())
}

func TestDelay_ZeroDuration(t *testing.T) {
	clk := clock.NewFake(t0)
	require.NoError(t, Delay(context.Background(), clk, 0, "", time.Second))
	assert.Zero(t, clk.Slept())
}

func TestDelay_Cancelled(t *testing.T) {
	captureReports(t)
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.OnSleep = func(now time.Time) {
		if now.Sub(t0) >= 10*time.Second {
			cancel()
		}
	}

	err := Delay(ctx, clk, time.Hour, "", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10*time.Second, clk.Slept())
}

func washRig(t *testing.T) (*pumptest.Log, *clock.Fake, []*channel.Channel) {
	t.Helper()
	calls := &pumptest.Log{}
	clk := clock.NewFake(t0)
	p := pumptest.NewPump(calls, 1000, 3000)
	p.OnWait = func(grace time.Duration) { clk.Advance(grace) }

	mk := func(name string, cfg channel.Config) *channel.Channel {
		cfg.Name = name
		cfg.SourcePort = "1"
		cfg.Period = time.Minute
		cfg.Speed = 10
		cfg.Start = t0
		cfg.Syringe = channel.Syringe{FullScaleUl: 1000, Steps: 3000}
		ch, err := channel.New(cfg, p, clk)
		require.NoError(t, err)
		return ch
	}
	return calls, clk, []*channel.Channel{
		mk("A", channel.Config{InPort: "2"}),
		mk("B", channel.Config{InPort: "3", OutPort: "4", ExhaustPort: "5", OutVolumeUl: 50}),
	}
}

func TestAutoWash_RoundRobin(t *testing.T) {
	captureReports(t)
	calls, clk, channels := washRig(t)

	// every stroke waits 2s, so 7s covers four strokes
	require.NoError(t, AutoWash(context.Background(), clk, channels, 7*time.Second, 100, "wash", 0))

	assert.Equal(t, 200.0, channels[0].WashedUl())
	assert.Equal(t, 200.0, channels[1].WashedUl())
	assert.Equal(t, 0, channels[0].CycleCount())
	assert.Equal(t, 2, calls.Count("pump Dispense 2 100"))
	assert.Equal(t, 2, calls.Count("pump Dispense 5 100"))
}

func TestAutoWash_StopsOnStrokeFailure(t *testing.T) {
	captureReports(t)
	clk := clock.NewFake(t0)
	failing := pumptest.NewPump(&pumptest.Log{}, 1000, 3000)
	failing.Fail("Dispense", &pump.DeviceError{Code: 9})
	bad, err := channel.New(channel.Config{
		Name:       "bad",
		SourcePort: "1",
		InPort:     "2",
		Period:     time.Minute,
		Start:      t0,
		Syringe:    channel.Syringe{FullScaleUl: 1000, Steps: 3000},
	}, failing, clk)
	require.NoError(t, err)

	err = AutoWash(context.Background(), clk, []*channel.Channel{bad}, time.Minute, 100, "wash", 0)
	var devErr *pump.DeviceError
	assert.ErrorAs(t, err, &devErr)
}

func TestAutoWash_RejectsNonPositiveVolume(t *testing.T) {
	_, clk, channels := washRig(t)
	assert.Error(t, AutoWash(context.Background(), clk, channels, time.Minute, 0, "", 0))
}

func TestAutoWash_NoChannelsIsADelay(t *testing.T) {
	captureReports(t)
	clk := clock.NewFake(t0)
	require.NoError(t, AutoWash(context.Background(), clk, nil, 10*time.Second, 100, "", 0))
	assert.Equal(t, 10*time.Second, clk.Slept())
}
