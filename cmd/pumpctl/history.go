package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/db"
)

var historyCmd = &cobra.Command{
	Use:   "history [channel]",
	Short: "Show recent experiments, cycles and faults from the journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.JournalPath
		if cmd.Flags().Changed("db") {
			path, _ = cmd.Flags().GetString("db")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		channel := ""
		if len(args) == 1 {
			channel = args[0]
		}

		experiments, cycles, faults, err := db.HistoryCLI(path, channel, limit)
		if err != nil {
			return err
		}

		fmt.Println("Experiments:")
		for _, e := range experiments {
			finished := "-"
			if !e.FinishedAt.IsZero() {
				finished = e.FinishedAt.Format(time.RFC3339)
			}
			fmt.Printf("  #%d  %s  %s  finished %s  %s\n", e.ID, e.StartedAt.Format(time.RFC3339), e.Outcome, finished, e.Error)
		}
		fmt.Println("Cycles:")
		for _, c := range cycles {
			s := c.Snapshot
			fmt.Printf("  #%d  %s  %s  cycle %d  in %.1f  out %.1f  syringe %.1f\n",
				c.ExperimentID, s.Time.Format(time.RFC3339), s.Name, s.CycleCount, s.CumulativeInUl, s.CumulativeOutUl, s.SyringeUl)
		}
		fmt.Println("Faults:")
		for _, f := range faults {
			fmt.Printf("  #%d  %s  %s  %s/%s  %s\n",
				f.ExperimentID, f.Fault.Time.Format(time.RFC3339), f.Fault.Channel, f.Fault.Kind, f.Fault.Step, f.Fault.Message)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("db", "", "Journal path (defaults to journal_path from the config)")
	historyCmd.Flags().Int("limit", 20, "Rows per section")
	rootCmd.AddCommand(historyCmd)
}
