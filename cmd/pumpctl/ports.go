package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/internal/tecan"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long:  `Lists the serial ports on this host with their USB identifiers, to find the pump adapter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := tecan.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}
		for _, p := range ports {
			if p.IsUSB {
				fmt.Printf("%s\tusb %s:%s\t%s\n", p.Name, p.VID, p.PID, p.SerialNumber)
				continue
			}
			fmt.Println(p.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
