package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DotEnvLoader loads prefixed variables from a .env file.
//
// The file is parsed without touching the process environment; names are
// converted the same way EnvLoader converts them.
type DotEnvLoader struct {
	fs   FileSystem
	path string
	env  *EnvLoader
}

// NewDotEnvLoader creates a loader for the .env file at path.
func NewDotEnvLoader(path, prefix string) *DotEnvLoader {
	return NewDotEnvLoaderWithFS(DefaultFS(), path, prefix)
}

// NewDotEnvLoaderWithFS creates a .env loader with a custom file system.
func NewDotEnvLoaderWithFS(fs FileSystem, path, prefix string) *DotEnvLoader {
	return &DotEnvLoader{
		fs:   fs,
		path: path,
		env:  NewEnvLoader(prefix),
	}
}

// Load reads the file. A missing file yields nil, nil.
func (l *DotEnvLoader) Load() (map[string]any, error) {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading env file %s: %w", l.path, err)
	}

	vars, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return nil, &ParseError{Path: l.path, Message: err.Error(), Err: err}
	}
	return l.env.FromVars(vars), nil
}
