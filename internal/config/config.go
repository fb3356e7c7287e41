package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/plughost/internal/config/loader"
	"github.com/dshills/plughost/internal/plugin/security"
)

// DefaultAppVersion is the host version plugins are checked against.
const DefaultAppVersion = "1.0.0"

// File names searched when no explicit path is given.
const (
	DefaultFileName    = "plughost.toml"
	DefaultEnvFileName = ".env"
)

// Config is the resolved plughost configuration.
type Config struct {
	// PluginPaths are the discovery roots, searched in order.
	PluginPaths []string

	// DefaultBudget applies to plugins without a stored budget override.
	DefaultBudget security.ResourceBudget

	// SafeModules are importable by every plugin.
	SafeModules []string

	// AppVersion is matched against descriptor version ranges. Empty
	// disables the check.
	AppVersion string

	LogLevel  string
	LogFormat string

	// PolicyDB is the sqlite file holding policy overrides. Empty disables
	// the store.
	PolicyDB string

	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string

	// Watch enables hot reload of loaded plugins.
	Watch bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		PluginPaths:   nil,
		DefaultBudget: security.DefaultBudget(),
		SafeModules:   security.DefaultSafeModules(),
		AppVersion:    DefaultAppVersion,
		LogLevel:      "info",
		LogFormat:     "auto",
		PolicyDB:      filepath.Join(DefaultDir(), "policy.db"),
	}
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "plughost")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plughost"
	}
	return filepath.Join(home, ".config", "plughost")
}

// Validate reports the first unacceptable setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Path: "log_level", Message: "must be debug, info, warn or error", Value: c.LogLevel}
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return &ValidationError{Path: "log_format", Message: "must be auto, console or json", Value: c.LogFormat}
	}
	if err := c.DefaultBudget.Validate(); err != nil {
		return &ValidationError{Path: "budget", Message: err.Error(), Value: c.DefaultBudget}
	}
	for _, p := range c.PluginPaths {
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Path: "plugin_paths", Message: "empty path", Value: c.PluginPaths}
		}
	}
	for _, m := range c.SafeModules {
		if strings.TrimSpace(m) == "" {
			return &ValidationError{Path: "safe_modules", Message: "empty module name", Value: c.SafeModules}
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return &ValidationError{Path: "metrics_addr", Message: err.Error(), Value: c.MetricsAddr}
		}
	}
	return nil
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	fs        loader.FileSystem
	file      string
	explicit  bool
	envFile   string
	prefix    string
	useEnv    bool
	overrides map[string]any
}

// WithFile loads the TOML file at path. The file must exist.
func WithFile(path string) Option {
	return func(o *loadOptions) {
		o.file = path
		o.explicit = path != ""
	}
}

// WithEnvFile reads prefixed variables from the .env file at path when it
// exists.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) {
		o.envFile = path
	}
}

// WithEnvPrefix changes the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(o *loadOptions) {
		o.prefix = prefix
	}
}

// WithoutEnvironment skips the process environment.
func WithoutEnvironment() Option {
	return func(o *loadOptions) {
		o.useEnv = false
	}
}

// WithOverrides applies values keyed by setting path (for example
// "budget.max_file_handles") above every other source.
func WithOverrides(overrides map[string]any) Option {
	return func(o *loadOptions) {
		for path, v := range overrides {
			loader.SetPath(o.overrides, path, v)
		}
	}
}

// WithFS reads files through fs.
func WithFS(fs loader.FileSystem) Option {
	return func(o *loadOptions) {
		o.fs = fs
	}
}

// Load resolves configuration from, lowest to highest precedence: built-in
// defaults, the TOML file, the .env file, PLUGHOST_* environment variables
// and overrides.
func Load(opts ...Option) (*Config, error) {
	o := &loadOptions{
		fs:        loader.DefaultFS(),
		file:      filepath.Join(DefaultDir(), DefaultFileName),
		envFile:   DefaultEnvFileName,
		prefix:    loader.DefaultEnvPrefix,
		useEnv:    true,
		overrides: make(map[string]any),
	}
	for _, opt := range opts {
		opt(o)
	}

	merged := make(map[string]any)

	if o.file != "" {
		if o.explicit {
			if _, err := o.fs.Stat(o.file); errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, o.file)
			}
		}
		m, err := loader.NewTOMLLoaderWithFS(o.fs, o.file).Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	if o.envFile != "" {
		m, err := loader.NewDotEnvLoaderWithFS(o.fs, o.envFile, o.prefix).Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	if o.useEnv {
		m, err := loader.NewEnvLoader(o.prefix).Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	merged = loader.DeepMerge(merged, o.overrides)

	cfg := DefaultConfig()
	if err := cfg.apply(merged); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap builds a configuration from defaults plus the values in m.
func FromMap(m map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.apply(m); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// apply overlays the settings present in m.
func (c *Config) apply(m map[string]any) error {
	var err error
	if c.PluginPaths, err = stringSlice(m, "plugin_paths", c.PluginPaths, filepath.SplitList); err != nil {
		return err
	}
	if c.SafeModules, err = stringSlice(m, "safe_modules", c.SafeModules, splitComma); err != nil {
		return err
	}
	if c.AppVersion, err = stringValue(m, "app_version", c.AppVersion); err != nil {
		return err
	}
	if c.LogLevel, err = stringValue(m, "log_level", c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat, err = stringValue(m, "log_format", c.LogFormat); err != nil {
		return err
	}
	if c.PolicyDB, err = stringValue(m, "policy_db", c.PolicyDB); err != nil {
		return err
	}
	if c.MetricsAddr, err = stringValue(m, "metrics_addr", c.MetricsAddr); err != nil {
		return err
	}
	if c.Watch, err = boolValue(m, "watch", c.Watch); err != nil {
		return err
	}
	return c.applyBudget(m)
}

func (c *Config) applyBudget(m map[string]any) error {
	preset, err := stringValue(m, "budget.preset", "")
	if err != nil {
		return err
	}
	if preset != "" {
		b, ok := security.BudgetByName(preset)
		if !ok {
			return &ValidationError{Path: "budget.preset", Message: "unknown preset", Value: preset}
		}
		c.DefaultBudget = b
	}

	b := &c.DefaultBudget
	if b.MaxMemoryMB, err = intValue(m, "budget.max_memory_mb", b.MaxMemoryMB); err != nil {
		return err
	}
	if b.MaxCPUTime, err = durationValue(m, "budget.max_cpu_time", b.MaxCPUTime); err != nil {
		return err
	}
	if b.MaxFileHandles, err = intValue(m, "budget.max_file_handles", b.MaxFileHandles); err != nil {
		return err
	}
	if b.MaxNetworkConnections, err = intValue(m, "budget.max_network_connections", b.MaxNetworkConnections); err != nil {
		return err
	}
	return nil
}

func stringValue(m map[string]any, path, def string) (string, error) {
	v, ok := loader.GetPath(m, path)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case int64, int, float64:
		return fmt.Sprint(val), nil
	default:
		return "", &TypeError{Path: path, Expected: "string", Actual: typeName(v)}
	}
}

func boolValue(m map[string]any, path string, def bool) (bool, error) {
	v, ok := loader.GetPath(m, path)
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &TypeError{Path: path, Expected: "bool", Actual: typeName(v)}
	}
	return b, nil
}

func intValue(m map[string]any, path string, def int) (int, error) {
	v, ok := loader.GetPath(m, path)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, &TypeError{Path: path, Expected: "int", Actual: "float64"}
		}
		return int(val), nil
	default:
		return 0, &TypeError{Path: path, Expected: "int", Actual: typeName(v)}
	}
}

// durationValue accepts a Go duration string or an integer number of
// milliseconds.
func durationValue(m map[string]any, path string, def time.Duration) (time.Duration, error) {
	v, ok := loader.GetPath(m, path)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, &TypeError{Path: path, Expected: "duration", Actual: "string"}
		}
		return d, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case int:
		return time.Duration(val) * time.Millisecond, nil
	default:
		return 0, &TypeError{Path: path, Expected: "duration", Actual: typeName(v)}
	}
}

func stringSlice(m map[string]any, path string, def []string, split func(string) []string) ([]string, error) {
	v, ok := loader.GetPath(m, path)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...), nil
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, &TypeError{Path: path, Expected: "[]string", Actual: typeName(v)}
			}
			out[i] = s
		}
		return out, nil
	case string:
		if val == "" {
			return []string{}, nil
		}
		return split(val), nil
	default:
		return nil, &TypeError{Path: path, Expected: "[]string", Actual: typeName(v)}
	}
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
