// Package config resolves plughost settings.
//
// Sources are merged with higher entries overriding lower ones:
//
//	┌─────────────────────────────┐
//	│  5. Command line flags      │  ← Highest priority
//	├─────────────────────────────┤
//	│  4. PLUGHOST_* environment  │
//	├─────────────────────────────┤
//	│  3. .env file               │
//	├─────────────────────────────┤
//	│  2. plughost.toml           │  ← ~/.config/plughost/plughost.toml
//	├─────────────────────────────┤
//	│  1. Built-in defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// # File format
//
//	plugin_paths = ["/opt/plughost/plugins"]
//	safe_modules = ["json", "log", "string"]
//	log_level    = "info"
//	log_format   = "auto"
//	policy_db    = "/var/lib/plughost/policy.db"
//	metrics_addr = "127.0.0.1:9464"
//	watch        = true
//
//	[budget]
//	preset           = "strict"
//	max_cpu_time     = "2s"
//	max_file_handles = 4
//
// # Environment
//
// Top-level keys map directly (PLUGHOST_LOG_LEVEL sets log_level). Other
// variables split at the first underscore after the prefix into section
// and key, so PLUGHOST_BUDGET_MAX_FILE_HANDLES sets budget.max_file_handles.
// List settings accept a JSON array, a path list (plugin_paths) or a comma
// separated string (safe_modules).
//
// # Basic Usage
//
//	cfg, err := config.Load(
//		config.WithFile(path),
//		config.WithOverrides(map[string]any{"log_level": "debug"}),
//	)
package config
