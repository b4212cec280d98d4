package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/internal/pump"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver <channel>",
	Short: "Run one replenishment cycle now",
	Long: `Runs a single cycle on the named channel, ignoring its schedule. Flags override
the configured volumes and ports for this cycle only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, r, err := openRig(cmd)
		if err != nil {
			return err
		}
		defer r.Close()

		ch, err := r.Channel(args[0])
		if err != nil {
			return err
		}

		plan := ch.DefaultPlan()
		flags := cmd.Flags()
		if flags.Changed("in-ul") {
			plan.InVolumeUl, _ = flags.GetFloat64("in-ul")
		}
		if flags.Changed("out-ul") {
			plan.OutVolumeUl, _ = flags.GetFloat64("out-ul")
		}
		if flags.Changed("source-port") {
			s, _ := flags.GetString("source-port")
			plan.SourcePort = pump.Port(s)
		}
		if flags.Changed("in-port") {
			s, _ := flags.GetString("in-port")
			plan.InPort = pump.Port(s)
		}
		if flags.Changed("out-port") {
			s, _ := flags.GetString("out-port")
			plan.OutPort = pump.Port(s)
		}

		if err := ch.RunCycleWith(plan); err != nil {
			return err
		}
		fmt.Printf("%s: in %.1f uL, out %.1f uL, syringe %.1f uL\n",
			ch.Name(), ch.CumulativeInUl(), ch.CumulativeOutUl(), ch.SyringeUl())
		return nil
	},
}

func init() {
	deliverCmd.Flags().Float64("in-ul", 0, "Volume to dispense into the channel")
	deliverCmd.Flags().Float64("out-ul", 0, "Volume to withdraw from the channel")
	deliverCmd.Flags().String("source-port", "", "Port to refill the syringe from")
	deliverCmd.Flags().String("in-port", "", "Port to dispense through")
	deliverCmd.Flags().String("out-port", "", "Port to withdraw through")
	rootCmd.AddCommand(deliverCmd)
}
