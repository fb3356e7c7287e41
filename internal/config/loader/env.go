package loader

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultEnvPrefix is the prefix recognised for plughost environment variables.
const DefaultEnvPrefix = "PLUGHOST_"

// EnvLoader loads configuration from environment variables.
type EnvLoader struct {
	prefix  string            // e.g. "PLUGHOST_"
	mapping map[string]string // env var -> config path
	environ func() []string
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore (e.g., "PLUGHOST_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(prefix),
		environ: os.Environ,
	}
}

// NewEnvLoaderWithMapping creates a loader with custom environment variable mappings.
func NewEnvLoaderWithMapping(prefix string, mapping map[string]string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: mapping,
		environ: os.Environ,
	}
}

// Top-level keys whose names contain underscores. Without a mapping they
// would be split into section and setting.
func defaultEnvMapping(prefix string) map[string]string {
	keys := []string{
		"log_level",
		"log_format",
		"plugin_paths",
		"safe_modules",
		"policy_db",
		"metrics_addr",
		"watch",
		"app_version",
	}
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[prefix+strings.ToUpper(k)] = k
	}
	return m
}

// Load reads environment variables and returns a configuration map.
// Empty string values are treated as set.
func (l *EnvLoader) Load() (map[string]any, error) {
	vars := make(map[string]string)
	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		vars[name] = value
	}
	return l.FromVars(vars), nil
}

// FromVars converts a set of NAME=value pairs into a configuration map.
// Names without the loader prefix are ignored.
func (l *EnvLoader) FromVars(vars map[string]string) map[string]any {
	config := make(map[string]any)
	for name, value := range vars {
		if !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, ok := l.mapping[name]
		if !ok {
			path = l.envToPath(name)
		}
		if path == "" {
			continue
		}
		SetPath(config, path, ParseValue(value))
	}
	return config
}

// AddMapping adds a custom environment variable mapping.
func (l *EnvLoader) AddMapping(envVar, configPath string) {
	if l.mapping == nil {
		l.mapping = make(map[string]string)
	}
	l.mapping[envVar] = configPath
}

// RemoveMapping removes an environment variable mapping.
func (l *EnvLoader) RemoveMapping(envVar string) {
	delete(l.mapping, envVar)
}

// envToPath converts PLUGHOST_BUDGET_MAX_FILE_HANDLES to budget.max_file_handles.
// The first segment is the section, the rest is the snake_case key.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok || key == "" {
		return section
	}
	return section + "." + key
}

// ParseValue converts a raw string into the most specific type it parses as:
// bool, int64, float64, time.Duration, a JSON array or object, else string.
func ParseValue(s string) any {
	if s == "" {
		return s
	}

	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	// Only with a decimal point, so integers stay integers.
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}

	return s
}
