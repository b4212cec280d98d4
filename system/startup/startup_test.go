package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func options(t *testing.T) ServiceOptions {
	return ServiceOptions{
		User:       "lab",
		WorkingDir: "/home/lab/replenisher",
		Binary:     "/usr/local/bin/replenisher",
		ConfigFile: "/home/lab/replenisher/config.yaml",
		LogLevel:   "debug",
		UnitPath:   filepath.Join(t.TempDir(), "systemd", "replenisher.service"),
	}
}

func TestRenderUnit(t *testing.T) {
	unit, err := RenderUnit(options(t))
	require.NoError(t, err)
	assert.Contains(t, unit, "User=lab\n")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/replenisher -config-file /home/lab/replenisher/config.yaml -log-level debug\n")
	assert.Contains(t, unit, "Restart=no\n")
	assert.Contains(t, unit, "KillSignal=SIGINT\n")
}

func TestRenderUnit_Missing(t *testing.T) {
	_, err := RenderUnit(ServiceOptions{User: "lab"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working dir, binary, config file")
}

func TestInstallService(t *testing.T) {
	opts := options(t)
	require.NoError(t, InstallService(opts))

	data, err := os.ReadFile(opts.UnitPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WorkingDirectory=/home/lab/replenisher")

	opts.UnitPath = ""
	assert.Error(t, InstallService(opts))
}
