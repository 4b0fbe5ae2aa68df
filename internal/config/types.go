package config

import (
	"time"
)

// ConfigSource represents where a configuration value came from.
type ConfigSource string

const (
	SourceDefault  ConfigSource = "default"
	SourceUserFile ConfigSource = "user file"
	SourceProjFile ConfigSource = "project file"
	SourceEnv      ConfigSource = "environment"
	SourceFlag     ConfigSource = "flag"
)

// ConfigWithSources holds configuration along with the source of each key.
type ConfigWithSources struct {
	Config  *Config
	Sources map[string]ConfigSource

	// Files lists the config files that were read, lowest priority first.
	Files []string
}

// Default values.
const (
	DefaultWorkers            = 1
	DefaultSuccessProbability = 2.0 / 3.0
	DefaultDurationBound      = 3 * time.Second
	DefaultSpawnPolicy        = "abort"
	DefaultStrategy           = "wait"
	DefaultPollAttempts       = 5
	DefaultPollQuantum        = time.Second
	DefaultMode               = "process"
	DefaultLogDir             = "~/.procpool"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// Execution modes.
const (
	ModeProcess   = "process"
	ModeGoroutine = "goroutine"
)

// Config holds the full configuration for procpool.
type Config struct {
	// Batch shape
	Workers            int           `toml:"workers"`
	SuccessProbability float64       `toml:"success_probability"`
	DurationBound      time.Duration `toml:"duration_bound"`
	Seed               uint64        `toml:"seed"`

	// Dispatch
	SpawnPolicy string  `toml:"spawn_policy"`
	SpawnRate   float64 `toml:"spawn_rate"`

	// Collection
	Strategy     string        `toml:"strategy"`
	PollAttempts int           `toml:"poll_attempts"`
	PollQuantum  time.Duration `toml:"poll_quantum"`

	// Workers run as child processes or goroutines
	Mode         string `toml:"mode"`
	WorkerBinary string `toml:"worker_binary"`

	// Plan file replacing the generated batch
	PlanFile string `toml:"plan_file"`

	// Logging configuration
	LogDir        string `toml:"log_dir"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogTimestamps bool   `toml:"log_timestamps"`
	LogCaller     bool   `toml:"log_caller"`

	// Project root (computed)
	ProjectRoot string `toml:"-"`
}

// configFields returns the configurable keys, as spelled in TOML.
func configFields() []string {
	return []string{
		"workers",
		"success_probability",
		"duration_bound",
		"seed",
		"spawn_policy",
		"spawn_rate",
		"strategy",
		"poll_attempts",
		"poll_quantum",
		"mode",
		"worker_binary",
		"plan_file",
		"log_dir",
		"log_level",
		"log_format",
		"log_timestamps",
		"log_caller",
	}
}

// setDefaults applies default values to the config.
func setDefaults(cfg *Config) {
	cfg.Workers = DefaultWorkers
	cfg.SuccessProbability = DefaultSuccessProbability
	cfg.DurationBound = DefaultDurationBound
	cfg.SpawnPolicy = DefaultSpawnPolicy
	cfg.Strategy = DefaultStrategy
	cfg.PollAttempts = DefaultPollAttempts
	cfg.PollQuantum = DefaultPollQuantum
	cfg.Mode = DefaultMode
	cfg.LogDir = DefaultLogDir
	cfg.LogLevel = DefaultLogLevel
	cfg.LogFormat = DefaultLogFormat
}
