// Package config provides configuration loading and persistence for
// botster-hub.
//
// Configuration is loaded from:
// 1. ~/.botster/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - BOTSTER_TOKEN: API authentication token
//   - BOTSTER_SERVER_URL: signaling server URL
//   - BOTSTER_WORKTREE_BASE: base directory for worktrees
//   - BOTSTER_CONFIG_DIR: override config directory (for testing)
//   - BOTSTER_LUA_PATH: override the base path for scripts
//   - BOTSTER_LUA_STRICT: "1" turns script errors fatal
//   - BOTSTER_OFFLINE_MODE: suppress server connectivity
//   - BOTSTER_REPO: override current repo detection in tests (read by the
//     hub's agent spawn path, not by Load)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenPrefix is the required prefix for valid authentication tokens.
const TokenPrefix = "btstr_"

// Config holds all configuration for the hub.
type Config struct {
	// ServerURL is the signaling server URL.
	ServerURL string `json:"server_url"`

	// Token is the device token (must have btstr_ prefix).
	Token string `json:"token,omitempty"`

	// WorktreeBase is the directory for git worktrees.
	WorktreeBase string `json:"worktree_base"`

	// LuaPath overrides the base path for scripts.
	LuaPath string `json:"lua_path,omitempty"`

	// LuaStrict turns script errors fatal.
	LuaStrict bool `json:"lua_strict,omitempty"`

	// OfflineMode suppresses all server connectivity.
	OfflineMode bool `json:"offline_mode,omitempty"`

	// MaxSessions is the maximum concurrent agent sessions.
	MaxSessions int `json:"max_sessions"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}

	return &Config{
		ServerURL:    "https://trybotster.com",
		WorktreeBase: filepath.Join(homeDir, ".botster", "worktrees"),
		MaxSessions:  20,
	}
}

// ConfigDir returns the user directory (~/.botster), creating it if
// necessary. Respects BOTSTER_CONFIG_DIR for testing.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("BOTSTER_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0o700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".botster")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DeviceDir returns the identity key directory, creating it if necessary.
func DeviceDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	deviceDir := filepath.Join(dir, "device")
	if err := os.MkdirAll(deviceDir, 0o700); err != nil {
		return "", fmt.Errorf("could not create device directory: %w", err)
	}
	return deviceDir, nil
}

// LogDir returns the log directory, creating it if necessary.
func LogDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return "", fmt.Errorf("could not create log directory: %w", err)
	}
	return logDir, nil
}

// LuaDirs returns the script search chain, highest priority first:
// project root, per-user override. The embedded defaults come last and are
// baked into the binary.
func (c *Config) LuaDirs() []string {
	var dirs []string

	base := c.LuaPath
	if base == "" {
		if cwd, err := os.Getwd(); err == nil {
			dirs = append(dirs, filepath.Join(cwd, ".botster", "lua"))
		}
		if userDir, err := ConfigDir(); err == nil {
			dirs = append(dirs, filepath.Join(userDir, "lua"))
		}
		return dirs
	}
	return []string{base}
}

// Load reads configuration from file and applies environment overrides.
// Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Missing or invalid file just means defaults.
	cfg.loadFromFile()

	cfg.applyEnvOverrides()
	return cfg, nil
}

// loadFromFile attempts to load configuration from the config file.
func (c *Config) loadFromFile() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvOverrides applies environment variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BOTSTER_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("BOTSTER_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("BOTSTER_WORKTREE_BASE"); v != "" {
		c.WorktreeBase = v
	}
	if v := os.Getenv("BOTSTER_LUA_PATH"); v != "" {
		c.LuaPath = v
	}
	if isTruthy(os.Getenv("BOTSTER_LUA_STRICT")) {
		c.LuaStrict = true
	}
	if isTruthy(os.Getenv("BOTSTER_OFFLINE_MODE")) {
		c.OfflineMode = true
	}
}

func isTruthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

// Save writes the configuration to disk atomically
// (write-temp-then-rename).
func (c *Config) Save() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize config: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("could not commit config: %w", err)
	}
	return nil
}

// ValidateToken checks that the token carries the expected prefix.
func (c *Config) ValidateToken() error {
	if c.Token == "" {
		return fmt.Errorf("no token configured")
	}
	if !strings.HasPrefix(c.Token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	return nil
}
