package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds the daemon configuration. Values come from the config file
// (JSON) overlaid with MATRIXD_* environment variables; command line flags
// are applied on top by the serve command.
type Config struct {
	// Frontend listener. AF selects the address family: "inet" listens on
	// Address:Port, "unix" listens on Sockfile.
	AF       string `env:"MATRIXD_AF"       json:"af"`
	Address  string `env:"MATRIXD_ADDRESS"  json:"address"`
	Port     int    `env:"MATRIXD_PORT"     json:"port"`
	Sockfile string `env:"MATRIXD_SOCKFILE" json:"sockfile"`

	// Dir is the working directory holding the accounts file and the
	// per-account credential and sync token files.
	Dir      string `env:"MATRIXD_DIR"      json:"dir"`
	Loglevel string `env:"MATRIXD_LOGLEVEL" json:"loglevel"`

	// PushAccounts pushes the account list to a newly connected frontend
	// without waiting for an "account list" command.
	PushAccounts bool `env:"MATRIXD_PUSH_ACCOUNTS" json:"push_accounts"`

	// Membership event delivery toggles: a structured chat user record and
	// a free-text narrative line respectively.
	MembershipUserMsg    bool `env:"MATRIXD_MEMBERSHIP_USER_MSG"    json:"membership_user_msg"`
	MembershipMessageMsg bool `env:"MATRIXD_MEMBERSHIP_MESSAGE_MSG" json:"membership_message_msg"`

	// FilterOwn suppresses echoes of this device's own outgoing messages.
	FilterOwn bool `env:"MATRIXD_FILTER_OWN" json:"filter_own"`

	// Session tuning.
	SyncTimeoutMs    int `env:"MATRIXD_SYNC_TIMEOUT_MS"   json:"sync_timeout_ms"`
	ReconnectSeconds int `env:"MATRIXD_RECONNECT_SECONDS" json:"reconnect_seconds"`
	DrainTickMs      int `env:"MATRIXD_DRAIN_TICK_MS"     json:"drain_tick_ms"`
}

func DefaultConfig() *Config {
	return &Config{
		AF:                   "inet",
		Address:              "localhost",
		Port:                 32000,
		Sockfile:             "matrixd.sock",
		Dir:                  "~/.config/nuqql-matrixd",
		Loglevel:             "info",
		MembershipUserMsg:    true,
		MembershipMessageMsg: true,
		FilterOwn:            true,
		SyncTimeoutMs:        30000,
		ReconnectSeconds:     15,
		DrainTickMs:          100,
	}
}

// LoadConfig reads the config file at path and applies the environment
// overlay. A missing file is not an error; defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.AF != "inet" && c.AF != "unix" {
		return fmt.Errorf("invalid af %q: must be inet or unix", c.AF)
	}
	if c.AF == "inet" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	return nil
}

// WorkDir returns the working directory with a leading ~ expanded.
func (c *Config) WorkDir() string {
	return ExpandHome(c.Dir)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
