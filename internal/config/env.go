package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envBinding maps one PROCPOOL_* variable onto a config key.
type envBinding struct {
	name  string
	field string
	apply func(cfg *Config, value string) error
}

func envBindings() []envBinding {
	return []envBinding{
		{"PROCPOOL_WORKERS", "workers", func(c *Config, v string) error { return parseInt(v, &c.Workers) }},
		{"PROCPOOL_SUCCESS_PROBABILITY", "success_probability", func(c *Config, v string) error { return parseFloat(v, &c.SuccessProbability) }},
		{"PROCPOOL_DURATION_BOUND", "duration_bound", func(c *Config, v string) error { return parseDuration(v, &c.DurationBound) }},
		{"PROCPOOL_SEED", "seed", func(c *Config, v string) error { return parseUint(v, &c.Seed) }},
		{"PROCPOOL_SPAWN_POLICY", "spawn_policy", setString(func(c *Config) *string { return &c.SpawnPolicy })},
		{"PROCPOOL_SPAWN_RATE", "spawn_rate", func(c *Config, v string) error { return parseFloat(v, &c.SpawnRate) }},
		{"PROCPOOL_STRATEGY", "strategy", setString(func(c *Config) *string { return &c.Strategy })},
		{"PROCPOOL_POLL_ATTEMPTS", "poll_attempts", func(c *Config, v string) error { return parseInt(v, &c.PollAttempts) }},
		{"PROCPOOL_POLL_QUANTUM", "poll_quantum", func(c *Config, v string) error { return parseDuration(v, &c.PollQuantum) }},
		{"PROCPOOL_MODE", "mode", setString(func(c *Config) *string { return &c.Mode })},
		{"PROCPOOL_WORKER_BINARY", "worker_binary", setString(func(c *Config) *string { return &c.WorkerBinary })},
		{"PROCPOOL_PLAN", "plan_file", setString(func(c *Config) *string { return &c.PlanFile })},
		{"PROCPOOL_LOG_DIR", "log_dir", setString(func(c *Config) *string { return &c.LogDir })},
		{"PROCPOOL_LOG_LEVEL", "log_level", setString(func(c *Config) *string { return &c.LogLevel })},
		{"PROCPOOL_LOG_FORMAT", "log_format", setString(func(c *Config) *string { return &c.LogFormat })},
		{"PROCPOOL_LOG_TIMESTAMPS", "log_timestamps", func(c *Config, v string) error { c.LogTimestamps = boolFromString(v); return nil }},
		{"PROCPOOL_LOG_CALLER", "log_caller", func(c *Config, v string) error { c.LogCaller = boolFromString(v); return nil }},
	}
}

// loadFromEnv overrides config from PROCPOOL_* variables. Empty variables are
// ignored; malformed numbers are an error.
func loadFromEnv(cfg *Config, sources map[string]ConfigSource) error {
	for _, b := range envBindings() {
		v := strings.TrimSpace(os.Getenv(b.name))
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		if sources != nil {
			sources[b.field] = SourceEnv
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func parseInt(s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*dst = v
	return nil
}

func parseUint(s string, dst *uint64) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %q", s)
	}
	*dst = v
	return nil
}

func parseFloat(s string, dst *float64) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*dst = v
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*dst = v
	return nil
}

// boolFromString parses a boolean from a string.
func boolFromString(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}
