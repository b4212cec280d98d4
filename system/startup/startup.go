package startup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ServiceOptions struct {
	User       string
	WorkingDir string
	Binary     string
	ConfigFile string
	EnvFile    string
	LogLevel   string
	// UnitPath is where the unit file is written, e.g.
	// /etc/systemd/system/replenisher.service.
	UnitPath string
}

func (o ServiceOptions) validate() error {
	var missing []string
	if o.User == "" {
		missing = append(missing, "user")
	}
	if o.WorkingDir == "" {
		missing = append(missing, "working dir")
	}
	if o.Binary == "" {
		missing = append(missing, "binary")
	}
	if o.ConfigFile == "" {
		missing = append(missing, "config file")
	}
	if len(missing) > 0 {
		return errors.New("service options missing: " + strings.Join(missing, ", "))
	}
	return nil
}

// RenderUnit builds the systemd unit that runs the replenisher. The unit does not
// restart on failure: a crashed experiment must not resume with fresh counters.
func RenderUnit(o ServiceOptions) (string, error) {
	if err := o.validate(); err != nil {
		return "", err
	}
	args := []string{o.Binary, "-config-file", o.ConfigFile}
	if o.EnvFile != "" {
		args = append(args, "-env-file", o.EnvFile)
	}
	if o.LogLevel != "" {
		args = append(args, "-log-level", o.LogLevel)
	}

	return fmt.Sprintf(`[Unit]
Description=Syringe pump replenishment scheduler
After=network.target dev-serial.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s
Restart=no
KillSignal=SIGINT
TimeoutStopSec=120

[Install]
WantedBy=multi-user.target
`, o.User, o.WorkingDir, strings.Join(args, " ")), nil
}

func InstallService(o ServiceOptions) error {
	unit, err := RenderUnit(o)
	if err != nil {
		return err
	}
	if o.UnitPath == "" {
		return errors.New("service options missing: unit path")
	}
	if err := os.MkdirAll(filepath.Dir(o.UnitPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(o.UnitPath, []byte(unit), 0o644)
}
