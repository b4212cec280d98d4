package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/db"
	"github.com/thatsimonsguy/replenisher/internal/api"
	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/config"
	"github.com/thatsimonsguy/replenisher/internal/datadog"
	"github.com/thatsimonsguy/replenisher/internal/env"
	"github.com/thatsimonsguy/replenisher/internal/logging"
	"github.com/thatsimonsguy/replenisher/internal/model"
	"github.com/thatsimonsguy/replenisher/internal/notifications"
	"github.com/thatsimonsguy/replenisher/internal/rig"
	"github.com/thatsimonsguy/replenisher/internal/scheduler"
	"github.com/thatsimonsguy/replenisher/internal/vitals"
	"github.com/thatsimonsguy/replenisher/system/shutdown"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	shutdown.Register("log file", logCloser.Close)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("serial_port", cfg.Serial.Port).
		Int("channels", len(cfg.Channels)).
		Msg("Starting replenisher")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	hw, err := rig.Open(&cfg, clk, clk.Now())
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open pump link")
	}
	shutdown.Register("serial link", hw.Close)

	if cfg.Pump.Initialize {
		if err := hw.Initialize(&cfg); err != nil {
			shutdown.ShutdownWithError(err, "Failed to initialize rig")
		}
	}
	if cfg.Syringe.FillOnStart {
		if err := hw.Channels[0].FillSyringe(); err != nil {
			shutdown.ShutdownWithError(err, "Failed to prime syringe")
		}
	}
	if warmup := cfg.Experiment.Warmup(); warmup > 0 {
		if err := vitals.Delay(ctx, clk, warmup, "warmup", cfg.Experiment.StatusInterval()); err != nil {
			log.Warn().Msg("Interrupted during warmup")
			shutdown.Shutdown()
		}
	}

	// The schedule is anchored after initialization and warmup, so the channels are
	// rebuilt on the open link with the real start.
	start := cfg.StartTime(clk.Now())
	hw, err = rig.Build(&cfg, hw.Link, clk, start)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to build channels")
	}

	settings := scheduler.Settings{
		Start:                start,
		Duration:             cfg.Experiment.Duration(),
		PollInterval:         cfg.Experiment.PollInterval(),
		SweepStagger:         cfg.Experiment.SweepStagger(),
		StatusReportInterval: cfg.Experiment.StatusInterval(),
		AbortOnFault:         cfg.Experiment.AbortOnFault,
	}
	// Reporters are seeded from the idle schedule before the run starts.
	idle := scheduler.New(settings, hw.Channels, clk, nil)
	status := idle.Status(start)

	reporters := scheduler.Reporters{scheduler.LogReporter{}}
	reporters = append(reporters, journal(&cfg, status)...)

	if cfg.EnableDatadog {
		datadog.InitMetrics()
		reporters = append(reporters, datadog.Reporter{})
	}

	notifications.Init()
	reporters = append(reporters, notifications.Reporter{})

	board := api.NewBoard(status, idle.Snapshots(start), clk)
	reporters = append(reporters, board)
	if cfg.APIPort > 0 {
		srv := api.NewServer(board, cfg.APIPort)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("Status API server stopped")
			}
		}()
		shutdown.Register("status api", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	sched := scheduler.New(settings, hw.Channels, clk, reporters)
	outcome, err := sched.Run(ctx)
	if err != nil {
		shutdown.ShutdownWithError(err, "Experiment aborted")
	}
	log.Info().Str("outcome", string(outcome)).Msg("Experiment done")
	shutdown.Shutdown()
}

// journal opens the sqlite audit trail. A journal that cannot be opened is logged
// and skipped; it never blocks an experiment.
func journal(cfg *config.Config, status model.ExperimentStatus) []scheduler.Reporter {
	conn, err := db.Open(cfg.JournalPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.JournalPath).Msg("Journal disabled")
		return nil
	}
	shutdown.Register("journal", conn.Close)

	j, err := db.NewJournal(conn, status)
	if err != nil {
		log.Warn().Err(err).Msg("Journal disabled")
		return nil
	}
	return []scheduler.Reporter{j}
}
