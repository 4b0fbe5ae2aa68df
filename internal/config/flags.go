package config

import (
	"flag"
)

// flagField maps a CLI flag to the config key it overrides.
var flagField = map[string]string{
	"workers":             "workers",
	"p":                   "success_probability",
	"success-probability": "success_probability",
	"bound":               "duration_bound",
	"seed":                "seed",
	"policy":              "spawn_policy",
	"rate":                "spawn_rate",
	"strategy":            "strategy",
	"attempts":            "poll_attempts",
	"quantum":             "poll_quantum",
	"mode":                "mode",
	"worker-bin":          "worker_binary",
	"plan":                "plan_file",
	"log-dir":             "log_dir",
	"log-level":           "log_level",
	"log-format":          "log_format",
	"log-timestamps":      "log_timestamps",
	"log-caller":          "log_caller",
}

// RegisterFlags binds the configuration flags on fs. Each flag defaults to the
// value already in cfg, so flags left unset do not override earlier layers.
func RegisterFlags(cfg *Config, fs *flag.FlagSet) {
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of workers to spawn")
	fs.Float64Var(&cfg.SuccessProbability, "success-probability", cfg.SuccessProbability, "Probability that a worker exits 0")
	fs.Float64Var(&cfg.SuccessProbability, "p", cfg.SuccessProbability, "Shorthand for -success-probability")
	fs.DurationVar(&cfg.DurationBound, "bound", cfg.DurationBound, "Upper bound of a worker's random delay")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Base seed for reproducible batches (0 = random)")

	fs.StringVar(&cfg.SpawnPolicy, "policy", cfg.SpawnPolicy, "Spawn failure policy (abort, skip)")
	fs.Float64Var(&cfg.SpawnRate, "rate", cfg.SpawnRate, "Maximum spawns per second (0 = unlimited)")

	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Collection strategy (wait, poll)")
	fs.IntVar(&cfg.PollAttempts, "attempts", cfg.PollAttempts, "Polls per worker before blocking")
	fs.DurationVar(&cfg.PollQuantum, "quantum", cfg.PollQuantum, "Sleep between polls")

	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Worker mode (process, goroutine)")
	fs.StringVar(&cfg.WorkerBinary, "worker-bin", cfg.WorkerBinary, "Worker binary (default: this executable)")
	fs.StringVar(&cfg.PlanFile, "plan", cfg.PlanFile, "Batch plan file (JSON or YAML)")

	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Log directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json, logfmt)")
	fs.BoolVar(&cfg.LogTimestamps, "log-timestamps", cfg.LogTimestamps, "Show timestamps in logs")
	fs.BoolVar(&cfg.LogCaller, "log-caller", cfg.LogCaller, "Show caller location in logs")
}

// parseFlags registers and parses the configuration flags, recording a flag
// source for every key set on the command line.
func parseFlags(cfg *Config, fs *flag.FlagSet, args []string, sources map[string]ConfigSource) error {
	if fs == nil {
		fs = flag.NewFlagSet("procpool", flag.ContinueOnError)
	}
	RegisterFlags(cfg, fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sources == nil {
		return nil
	}
	fs.Visit(func(f *flag.Flag) {
		if field, ok := flagField[f.Name]; ok {
			sources[field] = SourceFlag
		}
	})
	return nil
}
