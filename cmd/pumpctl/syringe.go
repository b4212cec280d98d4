package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Read the syringe fill",
	Long:  `Reads the plunger position and prints the volume currently held in the syringe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, r, err := openRig(cmd)
		if err != nil {
			return err
		}
		defer r.Close()

		if len(r.Channels) == 0 {
			return fmt.Errorf("no channels configured")
		}
		ul, err := r.Channels[0].CheckSyringe()
		if err != nil {
			return err
		}
		fmt.Printf("Syringe holds %.1f uL\n", ul)
		return nil
	},
}

var fillCmd = &cobra.Command{
	Use:   "fill [channel]",
	Short: "Refill the syringe from a channel's source",
	Long:  `Fills the syringe from the source port of the named channel, or the first channel.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, r, err := openRig(cmd)
		if err != nil {
			return err
		}
		defer r.Close()

		chs, err := selectChannels(r, args)
		if err != nil {
			return err
		}
		if len(chs) == 0 {
			return fmt.Errorf("no channels configured")
		}
		if err := chs[0].FillSyringe(); err != nil {
			return err
		}
		fmt.Printf("Syringe holds %.1f uL\n", chs[0].SyringeUl())
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Home the pump and valves",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, r, err := openRig(cmd)
		if err != nil {
			return err
		}
		defer r.Close()
		return r.Initialize(cfg)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fillCmd)
	rootCmd.AddCommand(initCmd)
}
