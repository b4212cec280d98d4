package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/replenisher/internal/pump"
)

// Environment overrides, applied after the config file and the .env file.
const (
	EnvSerialPort  = "REPLENISHER_SERIAL_PORT"
	EnvNtfyTopic   = "REPLENISHER_NTFY_TOPIC"
	EnvDDAgentAddr = "REPLENISHER_DD_AGENT_ADDR"
)

type Serial struct {
	Port          string  `json:"port" yaml:"port"`
	Baud          int     `json:"baud" yaml:"baud"`
	ReadTimeoutMs int     `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	ReadyTimeoutS float64 `json:"ready_timeout_s" yaml:"ready_timeout_s"`
}

type Pump struct {
	Address      int     `json:"address" yaml:"address"`
	SyringeUl    float64 `json:"syringe_ul" yaml:"syringe_ul"`
	Steps        int     `json:"steps" yaml:"steps"`
	DefaultSpeed int     `json:"default_speed" yaml:"default_speed"`

	Initialize  bool      `json:"initialize" yaml:"initialize"`
	InitPort    pump.Port `json:"init_port" yaml:"init_port"`
	InitOutPort pump.Port `json:"init_out_port" yaml:"init_out_port"`
	InitForce   int       `json:"init_force" yaml:"init_force"`
}

type Valve struct {
	Name    string `json:"name" yaml:"name"`
	Address int    `json:"address" yaml:"address"`
}

type Syringe struct {
	FillSpeed     int      `json:"fill_speed" yaml:"fill_speed"`
	FillMargin    float64  `json:"fill_margin" yaml:"fill_margin"`
	FillTolerance *float64 `json:"fill_tolerance" yaml:"fill_tolerance"`
	SettleMs      *int     `json:"settle_ms" yaml:"settle_ms"`
	FillOnStart   bool     `json:"fill_on_start" yaml:"fill_on_start"`
}

type Experiment struct {
	// StartTime is RFC3339; empty means the moment the binary starts.
	StartTime             string   `json:"start_time" yaml:"start_time"`
	DurationS             float64  `json:"duration_s" yaml:"duration_s"`
	PollIntervalS         float64  `json:"poll_interval_s" yaml:"poll_interval_s"`
	SweepStaggerS         *float64 `json:"sweep_stagger_s" yaml:"sweep_stagger_s"`
	StatusReportIntervalS float64  `json:"status_report_interval_s" yaml:"status_report_interval_s"`
	WarmupS               float64  `json:"warmup_s" yaml:"warmup_s"`
	AbortOnFault          bool     `json:"abort_on_fault" yaml:"abort_on_fault"`
}

type Channel struct {
	Name        string    `json:"name" yaml:"name"`
	SourcePort  pump.Port `json:"source_port" yaml:"source_port"`
	InPort      pump.Port `json:"in_port" yaml:"in_port"`
	OutPort     pump.Port `json:"out_port" yaml:"out_port"`
	ExhaustPort pump.Port `json:"exhaust_port" yaml:"exhaust_port"`
	InVolumeUl  float64   `json:"in_volume_ul" yaml:"in_volume_ul"`
	OutVolumeUl float64   `json:"out_volume_ul" yaml:"out_volume_ul"`
	PeriodS     float64   `json:"period_s" yaml:"period_s"`
	// Speed falls back to pump.default_speed when zero.
	Speed int `json:"speed" yaml:"speed"`

	DispenseValve string    `json:"dispense_valve" yaml:"dispense_valve"`
	DispensePort  pump.Port `json:"dispense_port" yaml:"dispense_port"`
	AspirateValve string    `json:"aspirate_valve" yaml:"aspirate_valve"`
	AspiratePort  pump.Port `json:"aspirate_port" yaml:"aspirate_port"`
}

type Config struct {
	ConfigFile string        `json:"-" yaml:"-"`
	EnvFile    string        `json:"-" yaml:"-"`
	LogLevel   zerolog.Level `json:"-" yaml:"-"`

	Serial     Serial     `json:"serial" yaml:"serial"`
	Pump       Pump       `json:"pump" yaml:"pump"`
	Valves     []Valve    `json:"valves" yaml:"valves"`
	Syringe    Syringe    `json:"syringe" yaml:"syringe"`
	Experiment Experiment `json:"experiment" yaml:"experiment"`
	Channels   []Channel  `json:"channels" yaml:"channels"`

	JournalPath string `json:"journal_path" yaml:"journal_path"`
	LogFile     string `json:"log_file" yaml:"log_file"`
	APIPort     int    `json:"api_port" yaml:"api_port"`

	NtfyTopic     string   `json:"ntfy_topic" yaml:"ntfy_topic"`
	EnableDatadog bool     `json:"enable_datadog" yaml:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr" yaml:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace" yaml:"dd_namespace"`
	DDTags        []string `json:"dd_tags" yaml:"dd_tags"`
}

// Load reads flags, the .env file and the config file. Any problem panics: the
// process cannot do anything useful without a valid rig description.
func Load() Config {
	var configFile, envFile, logLevel string

	flag.StringVar(&configFile, "config-file", "config.json", "Path to rig config file (.json, .yaml or .yml)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file with REPLENISHER_* overrides")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := LoadFile(configFile, envFile)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	cfg.LogLevel = ParseLogLevel(logLevel)
	return cfg
}

// LoadFile is Load without flags. envFile may be empty or missing.
func LoadFile(path, envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg, err := Decode(file, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ConfigFile = path
	cfg.EnvFile = envFile
	cfg.LogLevel = zerolog.InfoLevel

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses a config document. ext selects YAML for .yaml/.yml, JSON otherwise.
// Defaults and validation are not applied.
func Decode(r io.Reader, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, err
		}
	default:
		if err := json.NewDecoder(r).Decode(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvSerialPort); ok && v != "" {
		cfg.Serial.Port = v
	}
	if v, ok := os.LookupEnv(EnvNtfyTopic); ok {
		cfg.NtfyTopic = v
	}
	if v, ok := os.LookupEnv(EnvDDAgentAddr); ok && v != "" {
		cfg.DDAgentAddr = v
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 9600
	}
	if cfg.Serial.ReadTimeoutMs == 0 {
		cfg.Serial.ReadTimeoutMs = 500
	}
	if cfg.Pump.Steps == 0 {
		cfg.Pump.Steps = 3000
	}
	if cfg.Pump.DefaultSpeed == 0 {
		cfg.Pump.DefaultSpeed = 14
	}
	if cfg.Syringe.FillSpeed == 0 {
		cfg.Syringe.FillSpeed = 14
	}
	if cfg.Syringe.FillMargin == 0 {
		cfg.Syringe.FillMargin = 1.0
	}
	if cfg.Syringe.FillTolerance == nil {
		tol := 0.02
		cfg.Syringe.FillTolerance = &tol
	}
	if cfg.Syringe.SettleMs == nil {
		settle := 1000
		cfg.Syringe.SettleMs = &settle
	}
	if cfg.Experiment.PollIntervalS == 0 {
		cfg.Experiment.PollIntervalS = 5
	}
	if cfg.Experiment.SweepStaggerS == nil {
		stagger := 1.5
		cfg.Experiment.SweepStaggerS = &stagger
	}
	if cfg.Experiment.StatusReportIntervalS == 0 {
		cfg.Experiment.StatusReportIntervalS = 300
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Speed == 0 {
			cfg.Channels[i].Speed = cfg.Pump.DefaultSpeed
		}
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/replenisher.db"
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "replenisher."
	}
}

func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Validate lists every problem at once rather than stopping at the first.
func (cfg *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Serial.Port == "" {
		add("serial.port is required (or set %s)", EnvSerialPort)
	}
	if cfg.Pump.SyringeUl <= 0 {
		add("pump.syringe_ul must be positive")
	}
	if cfg.Pump.InitForce < 0 || cfg.Pump.InitForce > 2 {
		add("pump.init_force must be 0, 1 or 2")
	}
	if !validSpeed(cfg.Pump.DefaultSpeed) || !validSpeed(cfg.Syringe.FillSpeed) {
		add("speed codes must be within 0..40")
	}
	if cfg.Syringe.FillMargin < 0 {
		add("syringe.fill_margin must be non-negative")
	}
	if tol := cfg.Syringe.FillTolerance; tol != nil && (*tol < 0 || *tol >= 1) {
		add("syringe.fill_tolerance must be in [0, 1)")
	}
	if cfg.Syringe.SettleMs != nil && *cfg.Syringe.SettleMs < 0 {
		add("syringe.settle_ms must be non-negative")
	}

	exp := cfg.Experiment
	if exp.DurationS <= 0 {
		add("experiment.duration_s must be positive")
	}
	if exp.WarmupS < 0 || exp.StatusReportIntervalS < 0 || exp.SweepStagger() < 0 {
		add("experiment durations must be non-negative")
	}
	if exp.PollIntervalS <= 0 {
		add("experiment.poll_interval_s must be positive")
	}
	if exp.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, exp.StartTime); err != nil {
			add("experiment.start_time: %v", err)
		}
	}

	valves := map[string]bool{}
	for _, v := range cfg.Valves {
		switch {
		case v.Name == "":
			add("every valve needs a name")
		case valves[v.Name]:
			add("valve %q is defined twice", v.Name)
		case v.Address == cfg.Pump.Address:
			add("valve %q shares address %d with the pump", v.Name, v.Address)
		}
		valves[v.Name] = true
	}

	if len(cfg.Channels) == 0 {
		add("at least one channel is required")
	}
	names := map[string]bool{}
	for i, ch := range cfg.Channels {
		label := ch.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			add("channel %s needs a name", label)
		} else if names[ch.Name] {
			add("channel %q is defined twice", ch.Name)
		}
		names[ch.Name] = true

		if !ch.SourcePort.IsSet() || !ch.InPort.IsSet() {
			add("channel %s needs source_port and in_port", label)
		}
		if ch.InVolumeUl < 0 || ch.OutVolumeUl < 0 {
			add("channel %s volumes must be non-negative", label)
		}
		if ch.PeriodS <= 0 {
			add("channel %s period_s must be positive", label)
		}
		if !validSpeed(ch.Speed) {
			add("channel %s speed must be within 0..40", label)
		}
		if ch.OutVolumeUl > 0 && !ch.OutPort.IsSet() {
			add("channel %s out_volume_ul requires out_port", label)
		}
		if ch.OutPort.IsSet() && !ch.ExhaustPort.IsSet() {
			add("channel %s out_port requires exhaust_port", label)
		}
		if cfg.Pump.SyringeUl > 0 {
			if need := ch.InVolumeUl * cfg.Syringe.FillMargin; need > cfg.Pump.SyringeUl {
				add("channel %s needs %g uL per cycle, more than the %g uL syringe", label, need, cfg.Pump.SyringeUl)
			}
			if ch.OutVolumeUl > cfg.Pump.SyringeUl {
				add("channel %s out_volume_ul exceeds the syringe", label)
			} else if ch.OutVolumeUl > 0 && ch.InVolumeUl*cfg.Syringe.FillMargin+ch.OutVolumeUl > cfg.Pump.SyringeUl {
				add("channel %s leaves no room in the syringe for out_volume_ul", label)
			}
		}
		for _, field := range []struct {
			name string
			port pump.Port
		}{
			{"source_port", ch.SourcePort},
			{"in_port", ch.InPort},
			{"out_port", ch.OutPort},
			{"exhaust_port", ch.ExhaustPort},
			{"dispense_port", ch.DispensePort},
			{"aspirate_port", ch.AspiratePort},
		} {
			if !field.port.IsSet() {
				continue
			}
			if _, err := field.port.Command(); err != nil {
				add("channel %s %s: %v", label, field.name, err)
			}
		}
		for _, ref := range []struct {
			valve string
			port  pump.Port
			kind  string
		}{
			{ch.DispenseValve, ch.DispensePort, "dispense"},
			{ch.AspirateValve, ch.AspiratePort, "aspirate"},
		} {
			if ref.valve == "" {
				continue
			}
			if !valves[ref.valve] {
				add("channel %s %s_valve %q is not defined", label, ref.kind, ref.valve)
			}
			if !ref.port.IsSet() {
				add("channel %s %s_valve needs %s_port", label, ref.kind, ref.kind)
			}
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func validSpeed(code int) bool {
	return code >= 0 && code <= 40
}

func deref[T int | float64](p *T) T {
	if p == nil {
		return 0
	}
	return *p
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// StartTime resolves experiment.start_time, falling back to now.
func (cfg *Config) StartTime(now time.Time) time.Time {
	if cfg.Experiment.StartTime == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339, cfg.Experiment.StartTime)
	if err != nil {
		return now
	}
	return t
}

func (e Experiment) Duration() time.Duration       { return seconds(e.DurationS) }
func (e Experiment) PollInterval() time.Duration   { return seconds(e.PollIntervalS) }
func (e Experiment) SweepStagger() time.Duration   { return seconds(deref(e.SweepStaggerS)) }
func (e Experiment) StatusInterval() time.Duration { return seconds(e.StatusReportIntervalS) }
func (e Experiment) Warmup() time.Duration         { return seconds(e.WarmupS) }

func (s Serial) ReadTimeout() time.Duration  { return time.Duration(s.ReadTimeoutMs) * time.Millisecond }
func (s Serial) ReadyTimeout() time.Duration { return seconds(s.ReadyTimeoutS) }

func (s Syringe) Settle() time.Duration { return time.Duration(deref(s.SettleMs)) * time.Millisecond }
func (s Syringe) Tolerance() float64    { return deref(s.FillTolerance) }

func (c Channel) Period() time.Duration { return seconds(c.PeriodS) }
