// Package config loads and persists the sidechain configuration file.
//
// Numeric ducking parameters are deliberately not validated here: the engine
// clamps them into their valid ranges at construction, so a hand-edited file
// with out-of-range values still produces a working daemon.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Ducking mirrors the engine tuning parameters plus the process allow list.
type Ducking struct {
	PriorityProcess          string   `toml:"priority_process"`
	OtherProcesses           []string `toml:"other_processes"`
	DuckTo                   float64  `toml:"duck_to"`
	Threshold                float64  `toml:"threshold"`
	PriorityAttackThreshold  float64  `toml:"priority_attack_threshold"`
	PriorityReleaseThreshold float64  `toml:"priority_release_threshold"`
	AttackFrames             int      `toml:"attack_frames"`
	ReleaseFrames            int      `toml:"release_frames"`
	MinOverlapFrames         int      `toml:"min_overlap_frames"`
	IntervalMillis           int      `toml:"interval_ms"`
	Step                     float64  `toml:"step"`
}

// Daemon contains daemon runtime settings.
type Daemon struct {
	StateDir           string `toml:"state_dir"`
	LogDir             string `toml:"log_dir"`
	StopTimeoutSeconds int    `toml:"stop_timeout_seconds"`
	AutostartEngine    bool   `toml:"autostart_engine"`
	HotplugMonitor     bool   `toml:"hotplug_monitor"`
}

// Pulse contains settings for the PulseAudio session provider.
type Pulse struct {
	PactlBinary           string `toml:"pactl_binary"`
	ParecBinary           string `toml:"parec_binary"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
	MeterSampleRate       int    `toml:"meter_sample_rate"`
	PeakHoldMillis        int    `toml:"peak_hold_ms"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// History contains settings for the event history store.
type History struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// Config encapsulates all configuration values for sidechain.
type Config struct {
	Ducking Ducking `toml:"ducking"`
	Daemon  Daemon  `toml:"daemon"`
	Pulse   Pulse   `toml:"pulse"`
	Logging Logging `toml:"logging"`
	History History `toml:"history"`
}

// DefaultConfigPath returns the absolute path of the default config file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sidechain/config.toml")
}

// Load locates, parses, and normalizes a configuration file. When the file
// does not exist the defaults are returned; the resolved path and an
// existence flag are reported alongside.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("sidechain.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Daemon.StateDir, err = expandPath(c.Daemon.StateDir); err != nil {
		return fmt.Errorf("daemon.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Daemon.LogDir) == "" {
		c.Daemon.LogDir = filepath.Join(c.Daemon.StateDir, "logs")
	}
	if c.Daemon.LogDir, err = expandPath(c.Daemon.LogDir); err != nil {
		return fmt.Errorf("daemon.log_dir: %w", err)
	}

	c.Ducking.PriorityProcess = strings.TrimSpace(c.Ducking.PriorityProcess)
	trimmed := c.Ducking.OtherProcesses[:0]
	for _, name := range c.Ducking.OtherProcesses {
		if name = strings.TrimSpace(name); name != "" {
			trimmed = append(trimmed, name)
		}
	}
	c.Ducking.OtherProcesses = trimmed

	c.Pulse.PactlBinary = strings.TrimSpace(c.Pulse.PactlBinary)
	if c.Pulse.PactlBinary == "" {
		c.Pulse.PactlBinary = "pactl"
	}
	c.Pulse.ParecBinary = strings.TrimSpace(c.Pulse.ParecBinary)
	if c.Pulse.ParecBinary == "" {
		c.Pulse.ParecBinary = "parec"
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with. Ducking
// numerics are exempt; the engine clamps those silently.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Daemon.StopTimeoutSeconds <= 0 {
		return errors.New("daemon.stop_timeout_seconds must be positive")
	}
	if c.Pulse.CommandTimeoutSeconds <= 0 {
		return errors.New("pulse.command_timeout_seconds must be positive")
	}
	if c.Pulse.MeterSampleRate <= 0 {
		return errors.New("pulse.meter_sample_rate must be positive")
	}
	if c.Pulse.PeakHoldMillis <= 0 {
		return errors.New("pulse.peak_hold_ms must be positive")
	}
	if c.History.Enabled && c.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

// EnsureDirectories creates the directories daemon operation requires.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Daemon.StateDir, c.Daemon.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Daemon.StateDir, "sidechaind.sock")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Daemon.StateDir, "sidechaind.lock")
}

// HistoryDBPath returns the event history database location.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.Daemon.StateDir, "history.db")
}

// LogFilePath returns the daemon log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Daemon.LogDir, "sidechaind.log")
}

// StopTimeout returns the configured engine stop timeout.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Daemon.StopTimeoutSeconds) * time.Second
}

// Interval returns the configured polling period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Ducking.IntervalMillis) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules to other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
