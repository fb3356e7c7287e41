package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// DefaultMinAppVersion is the minimum host version assumed when a
// manifest names none.
const DefaultMinAppVersion = "0.1.0"

// ManifestFiles lists the recognized manifest names in preference order.
var ManifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Format is a manifest encoding.
type Format int

// Manifest formats.
const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks the manifest format from a file name.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Descriptor is a plugin's parsed manifest.
type Descriptor struct {
	// Identity
	ID          string
	Name        string
	Version     string
	Description string
	Author      string

	// Requirements
	Dependencies  []string
	Permissions   []string
	MinAppVersion string
	MaxAppVersion string // empty means unbounded

	Homepage   string
	Repository string
	Tags       []string

	// Main is the entry-point file relative to the plugin directory.
	Main string

	// Set by discovery; not part of the record.
	Dir        string
	EntryPoint string
}

// idPattern validates plugin IDs.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// versionPattern validates dotted numeric versions with an optional
// pre-release or build suffix.
var versionPattern = regexp.MustCompile(`^\d+(\.\d+)*([-+][0-9A-Za-z.-]+)?$`)

// ParseManifest decodes a manifest and builds its descriptor.
func ParseManifest(data []byte, format Format) (*Descriptor, error) {
	var record map[string]any

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	default:
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("%w: malformed JSON", ErrValidation)
		}
		parsed := gjson.ParseBytes(data)
		if !parsed.IsObject() {
			return nil, fmt.Errorf("%w: manifest must be an object", ErrValidation)
		}
		record, _ = parsed.Value().(map[string]any)
	}

	if record == nil {
		return nil, fmt.Errorf("%w: empty manifest", ErrValidation)
	}
	return ParseRecord(record)
}

// ParseRecord builds a descriptor from a manifest record. plugin_id, name
// and version are required; everything else defaults.
func ParseRecord(r map[string]any) (*Descriptor, error) {
	d := &Descriptor{}

	required := []struct {
		field string
		dst   *string
	}{
		{"plugin_id", &d.ID},
		{"name", &d.Name},
		{"version", &d.Version},
	}
	for _, f := range required {
		v, ok := r[f.field]
		if !ok || v == nil {
			return nil, &ValidationError{Field: f.field, Message: "required"}
		}
		s, err := recordString(f.field, v)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}

	optional := []struct {
		field string
		dst   *string
	}{
		{"description", &d.Description},
		{"author", &d.Author},
		{"min_app_version", &d.MinAppVersion},
		{"max_app_version", &d.MaxAppVersion},
		{"homepage", &d.Homepage},
		{"repository", &d.Repository},
		{"main", &d.Main},
	}
	for _, f := range optional {
		v, ok := r[f.field]
		if !ok || v == nil {
			continue
		}
		s, err := recordString(f.field, v)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}
	if d.MinAppVersion == "" {
		d.MinAppVersion = DefaultMinAppVersion
	}

	lists := []struct {
		field string
		dst   *[]string
	}{
		{"dependencies", &d.Dependencies},
		{"permissions", &d.Permissions},
		{"tags", &d.Tags},
	}
	for _, f := range lists {
		list, err := recordList(f.field, r[f.field])
		if err != nil {
			return nil, err
		}
		*f.dst = list
	}

	return d, nil
}

// recordString accepts only strings. A bare number such as 1.10 has
// already lost its text by the time it is decoded, so quoting is required.
func recordString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

func recordList(field string, v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string{}, list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &ValidationError{Field: field, Message: fmt.Sprintf("expected list of strings, found %T", item)}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("expected list, got %T", v)}
	}
}

// ToRecord returns the descriptor as a manifest record. An empty
// MaxAppVersion is written as nil.
func (d *Descriptor) ToRecord() map[string]any {
	var maxVersion any
	if d.MaxAppVersion != "" {
		maxVersion = d.MaxAppVersion
	}
	r := map[string]any{
		"plugin_id":       d.ID,
		"name":            d.Name,
		"version":         d.Version,
		"description":     d.Description,
		"author":          d.Author,
		"dependencies":    append([]string{}, d.Dependencies...),
		"permissions":     append([]string{}, d.Permissions...),
		"min_app_version": d.MinAppVersion,
		"max_app_version": maxVersion,
		"homepage":        d.Homepage,
		"repository":      d.Repository,
		"tags":            append([]string{}, d.Tags...),
	}
	if d.Main != "" {
		r["main"] = d.Main
	}
	return r
}

// MarshalJSON encodes the descriptor as its record.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToRecord())
}

// Validate checks the ID charset, the version bounds and that the plugin
// does not depend on itself.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "plugin_id", Message: "required"}
	}
	if !idPattern.MatchString(d.ID) {
		return &ValidationError{Field: "plugin_id", Message: fmt.Sprintf("%q must match %s", d.ID, idPattern)}
	}
	if d.Name == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if d.Version == "" {
		return &ValidationError{Field: "version", Message: "required"}
	}
	if !versionPattern.MatchString(d.MinAppVersion) {
		return &ValidationError{Field: "min_app_version", Message: fmt.Sprintf("%q is not a version", d.MinAppVersion)}
	}
	if d.MaxAppVersion != "" {
		if !versionPattern.MatchString(d.MaxAppVersion) {
			return &ValidationError{Field: "max_app_version", Message: fmt.Sprintf("%q is not a version", d.MaxAppVersion)}
		}
		if CompareVersions(d.MinAppVersion, d.MaxAppVersion) > 0 {
			return &ValidationError{Field: "max_app_version", Message: "lower than min_app_version"}
		}
	}
	for _, dep := range d.Dependencies {
		if dep == d.ID {
			return &ValidationError{Field: "dependencies", Message: "plugin depends on itself"}
		}
	}
	if d.Main != "" && (filepath.IsAbs(d.Main) || strings.HasPrefix(filepath.Clean(d.Main), "..")) {
		return &ValidationError{Field: "main", Message: "must stay inside the plugin directory"}
	}
	return nil
}

// Supports reports whether appVersion lies within the descriptor's
// version range.
func (d *Descriptor) Supports(appVersion string) bool {
	if d.MinAppVersion != "" && CompareVersions(appVersion, d.MinAppVersion) < 0 {
		return false
	}
	if d.MaxAppVersion != "" && CompareVersions(appVersion, d.MaxAppVersion) > 0 {
		return false
	}
	return true
}

// CompareVersions compares the numeric parts of two dotted versions,
// ignoring any suffix. Missing parts count as zero.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var parts []int
	for _, p := range strings.Split(v, ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}
	return parts
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	clone := *d
	clone.Dependencies = append([]string(nil), d.Dependencies...)
	clone.Permissions = append([]string(nil), d.Permissions...)
	clone.Tags = append([]string(nil), d.Tags...)
	return &clone
}

// String returns "name vversion".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s v%s", d.Name, d.Version)
}

// LoadManifest reads, parses and validates a manifest file. Dir is set to
// the file's directory.
func LoadManifest(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	d, err := ParseManifest(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.Dir = filepath.Dir(path)
	return d, nil
}

// FindManifest returns the first manifest file present in dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}
