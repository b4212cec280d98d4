package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/internal/channel"
	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/config"
	"github.com/thatsimonsguy/replenisher/internal/logging"
	"github.com/thatsimonsguy/replenisher/internal/rig"
)

var rootCmd = &cobra.Command{
	Use:   "pumpctl",
	Short: "pumpctl drives the replenishment rig by hand",
	Long: `pumpctl talks to the syringe pump and valves described by a replenisher config.
Use it to prime syringes, run single cycles, wash lines and inspect the journal
between experiments. Do not run it while the replenisher service owns the port.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config-file", "config.json", "Path to the rig config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional environment file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config-file")
	envFile, _ := cmd.Flags().GetString("env-file")
	level, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.LoadFile(path, envFile)
	if err != nil {
		return cfg, err
	}
	cfg.LogLevel = config.ParseLogLevel(level)
	if _, err := logging.Init(cfg.LogLevel, ""); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openRig loads the config and opens the link. The schedule start is irrelevant
// for manual commands, so channels are anchored at now.
func openRig(cmd *cobra.Command) (*config.Config, *rig.Rig, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	r, err := rig.Open(&cfg, clock.Real{}, time.Now())
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("port", cfg.Serial.Port).Msg("Link open")
	return &cfg, r, nil
}

// selectChannels returns the named channels, or every channel when names is empty.
func selectChannels(r *rig.Rig, names []string) ([]*channel.Channel, error) {
	if len(names) == 0 {
		return r.Channels, nil
	}
	out := make([]*channel.Channel, 0, len(names))
	for _, name := range names {
		ch, err := r.Channel(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}
