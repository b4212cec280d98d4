package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/vitals"
)

var delayCmd = &cobra.Command{
	Use:   "delay <duration>",
	Short: "Wait with progress reports",
	Long:  `Waits for the given duration (e.g. 90s, 20m) and logs progress. Ctrl-C stops early.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		every, _ := cmd.Flags().GetDuration("report-every")
		label, _ := cmd.Flags().GetString("label")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return vitals.Delay(ctx, clock.Real{}, d, label, every)
	},
}

var washCmd = &cobra.Command{
	Use:   "wash <duration> [channel...]",
	Short: "Wash channels round robin",
	Long: `Strokes fresh medium through the named channels (all channels when none are named)
in turn until the duration has passed. Ctrl-C stops after the current stroke.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		_, r, err := openRig(cmd)
		if err != nil {
			return err
		}
		defer r.Close()

		chs, err := selectChannels(r, args[1:])
		if err != nil {
			return err
		}
		volume, _ := cmd.Flags().GetFloat64("volume-ul")
		every, _ := cmd.Flags().GetDuration("report-every")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return vitals.AutoWash(ctx, clock.Real{}, chs, d, volume, "wash", every)
	},
}

func init() {
	delayCmd.Flags().Duration("report-every", time.Minute, "Progress report interval")
	delayCmd.Flags().String("label", "delay", "Label used in progress lines")
	washCmd.Flags().Float64("volume-ul", 100, "Volume per wash stroke")
	washCmd.Flags().Duration("report-every", time.Minute, "Progress report interval")
	rootCmd.AddCommand(delayCmd)
	rootCmd.AddCommand(washCmd)
}
