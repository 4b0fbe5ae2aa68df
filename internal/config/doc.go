// Package config handles configuration loading and defaults.
//
// Configuration is loaded from multiple sources in priority order:
// 1. Built-in defaults
// 2. User config file (~/.procpool/procpool.toml or OS-specific config directory)
// 3. Project config file (procpool.toml or .procpool.toml in the working directory)
// 4. Environment variables (PROCPOOL_*)
// 5. CLI flags
//
// Each level overrides the previous one, so CLI flags take precedence.
//
// User-level config locations:
// - ~/.procpool/procpool.toml (preferred)
// - Windows: %APPDATA%\procpool\procpool.toml
// - macOS: ~/Library/Application Support/procpool/procpool.toml
// - Linux/BSD: $XDG_CONFIG_HOME/procpool/procpool.toml or ~/.config/procpool/procpool.toml
//
// Project-level config locations (overrides user config):
// - ./procpool.toml (preferred)
// - ./.procpool.toml
package config
