package config

import (
	"strconv"
)

// ExampleConfig is printed by `procpool config --example`.
const ExampleConfig = `# procpool configuration
# Place at ~/.procpool/procpool.toml (user) or ./procpool.toml (project).
# Environment variables (PROCPOOL_*) and CLI flags override these values.

# Batch shape
workers = 4
success_probability = 0.6667
duration_bound = "3s"
# seed = 42  # 0 or unset picks a random seed per worker

# Dispatch: "abort" stops at the first spawn failure, "skip" records it and continues
spawn_policy = "abort"
spawn_rate = 0.0  # spawns per second, 0 = unlimited

# Collection: "wait" harvests in completion order, "poll" polls each worker
strategy = "wait"
poll_attempts = 5
poll_quantum = "1s"

# Workers run as child processes ("process") or in-process goroutines ("goroutine")
mode = "process"
# worker_binary = "/usr/local/bin/procpool"

# Replace the generated batch with a plan file (JSON or YAML)
# plan_file = "batch.yaml"

# Logging
log_dir = "~/.procpool"
log_level = "info"
log_format = "text"
log_timestamps = false
log_caller = false
`

// Value renders the effective value of a config key, or "" for unknown keys.
func (c *Config) Value(key string) string {
	switch key {
	case "workers":
		return strconv.Itoa(c.Workers)
	case "success_probability":
		return strconv.FormatFloat(c.SuccessProbability, 'g', -1, 64)
	case "duration_bound":
		return c.DurationBound.String()
	case "seed":
		return strconv.FormatUint(c.Seed, 10)
	case "spawn_policy":
		return c.SpawnPolicy
	case "spawn_rate":
		return strconv.FormatFloat(c.SpawnRate, 'g', -1, 64)
	case "strategy":
		return c.Strategy
	case "poll_attempts":
		return strconv.Itoa(c.PollAttempts)
	case "poll_quantum":
		return c.PollQuantum.String()
	case "mode":
		return c.Mode
	case "worker_binary":
		return c.WorkerBinary
	case "plan_file":
		return c.PlanFile
	case "log_dir":
		return c.LogDir
	case "log_level":
		return c.LogLevel
	case "log_format":
		return c.LogFormat
	case "log_timestamps":
		return strconv.FormatBool(c.LogTimestamps)
	case "log_caller":
		return strconv.FormatBool(c.LogCaller)
	}
	return ""
}
