package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/replenisher/system/startup"
)

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Write the systemd unit for the replenisher",
	Long: `Writes a systemd unit that runs the replenisher binary with the current config.
Enable it afterwards with systemctl enable --now replenisher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		configFile, _ := flags.GetString("config-file")
		envFile, _ := flags.GetString("env-file")
		level, _ := flags.GetString("log-level")
		binary, _ := flags.GetString("binary")
		user, _ := flags.GetString("user")
		unitPath, _ := flags.GetString("unit-path")

		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		abs := func(p string) string {
			if p == "" || filepath.IsAbs(p) {
				return p
			}
			return filepath.Join(wd, p)
		}
		if _, err := os.Stat(abs(envFile)); err != nil {
			envFile = ""
		}

		opts := startup.ServiceOptions{
			User:       user,
			WorkingDir: wd,
			Binary:     abs(binary),
			ConfigFile: abs(configFile),
			EnvFile:    abs(envFile),
			LogLevel:   level,
			UnitPath:   unitPath,
		}
		if dry, _ := flags.GetBool("dry-run"); dry {
			unit, err := startup.RenderUnit(opts)
			if err != nil {
				return err
			}
			fmt.Print(unit)
			return nil
		}
		if err := startup.InstallService(opts); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", unitPath)
		return nil
	},
}

func init() {
	installServiceCmd.Flags().String("binary", "/usr/local/bin/replenisher", "Path to the replenisher binary")
	installServiceCmd.Flags().String("user", os.Getenv("USER"), "User the service runs as")
	installServiceCmd.Flags().String("unit-path", "/etc/systemd/system/replenisher.service", "Where to write the unit")
	installServiceCmd.Flags().Bool("dry-run", false, "Print the unit instead of writing it")
	rootCmd.AddCommand(installServiceCmd)
}
