package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from multiple sources in priority order:
// 1. Defaults
// 2. User config file (~/.procpool/procpool.toml or OS-specific config dir)
// 3. Project config file (procpool.toml or .procpool.toml in current directory)
// 4. Environment variables
// 5. CLI flags
//
// Flags are registered on fs, which may already carry command-specific flags.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cws, err := load(fs, args, nil)
	if err != nil {
		return nil, err
	}
	return cws.Config, nil
}

// LoadWithSources loads configuration and records where each key came from.
func LoadWithSources(fs *flag.FlagSet, args []string) (*ConfigWithSources, error) {
	sources := make(map[string]ConfigSource)
	for _, field := range configFields() {
		sources[field] = SourceDefault
	}
	return load(fs, args, sources)
}

func load(fs *flag.FlagSet, args []string, sources map[string]ConfigSource) (*ConfigWithSources, error) {
	cfg := &Config{}
	cws := &ConfigWithSources{Config: cfg, Sources: sources}

	// 1. Set defaults
	setDefaults(cfg)

	// 2. User config file
	if path := findUserConfigFile(); path != "" {
		if err := loadConfigFile(cfg, path, sources, SourceUserFile); err != nil {
			return nil, fmt.Errorf("loading user config file %s: %w", path, err)
		}
		cws.Files = append(cws.Files, path)
	}

	// 3. Project config file (overrides user config)
	if path := findProjectConfigFile(); path != "" {
		if err := loadConfigFile(cfg, path, sources, SourceProjFile); err != nil {
			return nil, fmt.Errorf("loading project config file %s: %w", path, err)
		}
		cws.Files = append(cws.Files, path)
	}

	// 4. Environment
	if err := loadFromEnv(cfg, sources); err != nil {
		return nil, err
	}

	// 5. CLI flags (they override everything)
	if err := parseFlags(cfg, fs, args, sources); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// 6. Derived values and validation
	if err := Finalize(cfg); err != nil {
		return nil, fmt.Errorf("finalizing config: %w", err)
	}
	return cws, nil
}

// loadConfigFile decodes a TOML file over cfg. Keys absent from the file keep
// their current values; unknown keys are an error.
func loadConfigFile(cfg *Config, path string, sources map[string]ConfigSource, source ConfigSource) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if sources != nil {
		for _, field := range configFields() {
			if md.IsDefined(field) {
				sources[field] = source
			}
		}
	}
	return nil
}

// Finalize expands paths, normalizes enumerations and validates ranges. It is
// safe to call again after command-specific flags change cfg.
func Finalize(cfg *Config) error {
	cfg.LogDir = expandPath(cfg.LogDir)
	cfg.PlanFile = expandPath(cfg.PlanFile)
	cfg.WorkerBinary = expandPath(cfg.WorkerBinary)

	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		cfg.ProjectRoot = wd
	}
	if cfg.PlanFile != "" && !filepath.IsAbs(cfg.PlanFile) {
		cfg.PlanFile = filepath.Join(cfg.ProjectRoot, cfg.PlanFile)
	}

	cfg.SpawnPolicy = strings.ToLower(strings.TrimSpace(cfg.SpawnPolicy))
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	return cfg.Validate()
}

// Validate reports the first out-of-range value.
func (c *Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	case c.SuccessProbability < 0 || c.SuccessProbability > 1:
		return fmt.Errorf("success_probability must be within [0,1], got %v", c.SuccessProbability)
	case c.DurationBound < 0:
		return fmt.Errorf("duration_bound must be >= 0, got %s", c.DurationBound)
	case c.SpawnRate < 0:
		return fmt.Errorf("spawn_rate must be >= 0, got %v", c.SpawnRate)
	case c.PollAttempts < 1:
		return fmt.Errorf("poll_attempts must be >= 1, got %d", c.PollAttempts)
	case c.PollQuantum <= 0:
		return fmt.Errorf("poll_quantum must be > 0, got %s", c.PollQuantum)
	}
	if err := oneOf("spawn_policy", c.SpawnPolicy, "abort", "skip"); err != nil {
		return err
	}
	if err := oneOf("strategy", c.Strategy, "wait", "poll"); err != nil {
		return err
	}
	if err := oneOf("mode", c.Mode, ModeProcess, ModeGoroutine); err != nil {
		return err
	}
	if err := oneOf("log_level", c.LogLevel, "debug", "info", "warn", "warning", "error", "fatal"); err != nil {
		return err
	}
	return oneOf("log_format", c.LogFormat, "text", "json", "logfmt")
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
