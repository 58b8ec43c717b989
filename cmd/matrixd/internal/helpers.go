package internal

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/nuqql/matrixd/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
)

// GetConfigPath returns the config file inside the working directory.
func GetConfigPath(dir string) string {
	return filepath.Join(dir, "config.json")
}

// LoadConfig loads the config file from the working directory, with
// environment variables overlaid.
func LoadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath(dir))
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// FormatVersion returns the version string with optional git commit.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// GoVersion returns the Go runtime version the binary was built with.
func GoVersion() string {
	return runtime.Version()
}

// GetVersion returns the version string.
func GetVersion() string {
	return version
}
