package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/replenisher/internal/pump"
)

const jsonRig = `{
  "serial": {"port": "/dev/ttyUSB0"},
  "pump": {"address": 0, "syringe_ul": 1000},
  "valves": [{"name": "dispense", "address": 1}],
  "experiment": {"start_time": "2026-03-01T08:00:00Z", "duration_s": 86400},
  "channels": [
    {"name": "well-1", "source_port": 1, "in_port": 2, "out_port": 3, "exhaust_port": 12,
     "in_volume_ul": 150, "out_volume_ul": 150, "period_s": 600, "speed": 12,
     "dispense_valve": "dispense", "dispense_port": 4},
    {"name": "line", "source_port": "I", "in_port": "O", "in_volume_ul": 200, "period_s": 1800}
  ]
}`

const yamlRig = `
serial:
  port: /dev/ttyUSB1
  baud: 38400
pump:
  syringe_ul: 500
  default_speed: 11
syringe:
  fill_margin: 1.25
  fill_tolerance: 0
  settle_ms: 0
experiment:
  duration_s: 3600
  sweep_stagger_s: 0
channels:
  - name: line
    source_port: I
    in_port: O
    in_volume_ul: 100
    period_s: 60
  - name: well
    source_port: 1
    in_port: 2
    in_volume_ul: 50
    period_s: 120
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_JSONWithDefaults(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "config.json", jsonRig), "")
	require.NoError(t, err)

	assert.Equal(t, 9600, cfg.Serial.Baud)
	assert.Equal(t, 500*time.Millisecond, cfg.Serial.ReadTimeout())
	assert.Equal(t, 3000, cfg.Pump.Steps)
	assert.Equal(t, 14, cfg.Syringe.FillSpeed)
	assert.Equal(t, 1.0, cfg.Syringe.FillMargin)
	assert.Equal(t, 0.02, cfg.Syringe.Tolerance())
	assert.Equal(t, time.Second, cfg.Syringe.Settle())
	assert.Equal(t, 5*time.Second, cfg.Experiment.PollInterval())
	assert.Equal(t, 1500*time.Millisecond, cfg.Experiment.SweepStagger())
	assert.Equal(t, 5*time.Minute, cfg.Experiment.StatusInterval())
	assert.Equal(t, 24*time.Hour, cfg.Experiment.Duration())
	assert.Equal(t, "data/replenisher.db", cfg.JournalPath)
	assert.Equal(t, "replenisher.", cfg.DDNamespace)

	require.Len(t, cfg.Channels, 2)
	well := cfg.Channels[0]
	assert.Equal(t, pump.Port("1"), well.SourcePort)
	assert.Equal(t, pump.Port("12"), well.ExhaustPort)
	assert.Equal(t, pump.Port("4"), well.DispensePort)
	assert.Equal(t, 10*time.Minute, well.Period())
	assert.Equal(t, 12, well.Speed)
	assert.Equal(t, 14, cfg.Channels[1].Speed, "speed falls back to the pump default")

	start := cfg.StartTime(time.Now())
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), start.UTC())
}

func TestLoadFile_YAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "rig.yaml", yamlRig), "")
	require.NoError(t, err)

	assert.Equal(t, 38400, cfg.Serial.Baud)
	assert.Equal(t, 1.25, cfg.Syringe.FillMargin)
	assert.Zero(t, cfg.Syringe.Tolerance(), "an explicit zero tolerance is kept")
	assert.Zero(t, cfg.Syringe.Settle())
	assert.Zero(t, cfg.Experiment.SweepStagger())
	assert.Equal(t, 11, cfg.Channels[0].Speed)
	assert.Equal(t, pump.Port("I"), cfg.Channels[0].SourcePort)
	assert.Equal(t, pump.Port("2"), cfg.Channels[1].InPort)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	for _, key := range []string{EnvSerialPort, EnvNtfyTopic, EnvDDAgentAddr} {
		orig, had := os.LookupEnv(key)
		require.NoError(t, os.Unsetenv(key))
		t.Cleanup(func() {
			if had {
				os.Setenv(key, orig)
			} else {
				os.Unsetenv(key)
			}
		})
	}
	t.Setenv(EnvDDAgentAddr, "10.0.0.5:8125")
	envFile := writeFile(t, ".env", EnvSerialPort+"=/dev/ttyACM0\n"+EnvNtfyTopic+"=lab-pumps\n")

	cfg, err := LoadFile(writeFile(t, "config.json", jsonRig), envFile)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, "lab-pumps", cfg.NtfyTopic)
	assert.Equal(t, "10.0.0.5:8125", cfg.DDAgentAddr)
}

func TestLoadFile_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := LoadFile(writeFile(t, "config.json", jsonRig), filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "bad.json", "{"), "")
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`{
	  "pump": {"syringe_ul": 100},
	  "syringe": {"fill_margin": 1.25},
	  "experiment": {"start_time": "yesterday"},
	  "channels": [
	    {"name": "a", "source_port": 1, "in_port": 2, "in_volume_ul": 90, "period_s": 60},
	    {"name": "a", "source_port": 1, "in_port": 3, "out_port": 4, "out_volume_ul": 10, "period_s": 0},
	    {"name": "c", "source_port": 1, "in_port": 5, "period_s": 60, "dispense_valve": "ghost"},
	    {"name": "d", "source_port": 1, "in_port": 2, "out_port": 3, "exhaust_port": "W",
	     "in_volume_ul": 40, "out_volume_ul": 60, "period_s": 60}
	  ]
	}`), ".json")
	require.NoError(t, err)
	cfg.applyDefaults()

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"serial.port is required",
		"experiment.start_time",
		"channel a needs 112.5 uL per cycle",
		`channel "a" is defined twice`,
		"channel a period_s must be positive",
		"channel a out_port requires exhaust_port",
		`channel c dispense_valve "ghost" is not defined`,
		"channel c dispense_valve needs dispense_port",
		"experiment.duration_s must be positive",
		`channel d exhaust_port: invalid valve port "W"`,
		"channel d leaves no room in the syringe for out_volume_ul",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Valves(t *testing.T) {
	cfg, err := Decode(strings.NewReader(jsonRig), ".json")
	require.NoError(t, err)
	cfg.Valves = append(cfg.Valves, Valve{Name: "dispense", Address: 2}, Valve{Name: "clash", Address: 0})
	cfg.applyDefaults()

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `valve "dispense" is defined twice`)
	assert.Contains(t, err.Error(), `valve "clash" shares address 0 with the pump`)
}

func TestValidate_NoChannels(t *testing.T) {
	cfg := Config{Serial: Serial{Port: "/dev/null"}, Pump: Pump{SyringeUl: 1000}}
	cfg.applyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one channel is required")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"info":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestStartTime_DefaultsToNow(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var cfg Config
	assert.Equal(t, now, cfg.StartTime(now))
}

func TestValidate_DurationMustBePositive(t *testing.T) {
	for _, duration := range []float64{0, -60} {
		cfg, err := Decode(strings.NewReader(jsonRig), ".json")
		require.NoError(t, err)
		cfg.Experiment.DurationS = duration
		cfg.applyDefaults()

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "experiment.duration_s must be positive")
	}
}
