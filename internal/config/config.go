// Package config handles configuration loading, validation, and hot reload
// for dozed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Suspend configuration: handshake timeouts and sleep policy.
	Suspend SuspendConfig `toml:"suspend" json:"suspend" yaml:"suspend"`

	// IPC configuration for the unix-socket front-end.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// DBus configuration for the signal bridge.
	DBus DBusConfig `toml:"dbus" json:"dbus" yaml:"dbus"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Alarms configuration for RTC wakeup scheduling.
	Alarms AlarmConfig `toml:"alarms" json:"alarms" yaml:"alarms"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// SuspendConfig holds the suspend handshake tunables. All the *Ms fields
// are milliseconds, matching the wire-level duration unit.
type SuspendConfig struct {
	// WaitIdleMs is the base interval between idle checks.
	WaitIdleMs int `toml:"wait_idle_ms" json:"wait_idle_ms" yaml:"wait_idle_ms"`

	// WaitIdleGranularityMs is the scheduling slack allowed for idle checks.
	WaitIdleGranularityMs int `toml:"wait_idle_granularity_ms" json:"wait_idle_granularity_ms" yaml:"wait_idle_granularity_ms"`

	// WaitSuspendResponseMs bounds the wait for suspendRequest votes.
	WaitSuspendResponseMs int `toml:"wait_suspend_response_ms" json:"wait_suspend_response_ms" yaml:"wait_suspend_response_ms"`

	// WaitPrepareSuspendMs bounds the wait for prepareSuspend votes.
	WaitPrepareSuspendMs int `toml:"wait_prepare_suspend_ms" json:"wait_prepare_suspend_ms" yaml:"wait_prepare_suspend_ms"`

	// AfterResumeIdleMs is the minimum awake time after a wake before the
	// next idle-triggered suspend attempt.
	AfterResumeIdleMs int `toml:"after_resume_idle_ms" json:"after_resume_idle_ms" yaml:"after_resume_idle_ms"`

	// WaitAlarmsSec keeps the device awake when an RTC alarm is due to
	// fire within this many seconds.
	WaitAlarmsSec int `toml:"wait_alarms_s" json:"wait_alarms_s" yaml:"wait_alarms_s"`

	// SuspendWithCharger permits sleeping while a charger is connected.
	SuspendWithCharger bool `toml:"suspend_with_charger" json:"suspend_with_charger" yaml:"suspend_with_charger"`

	// EnableIdleCheck runs the periodic idle monitor. Disabled, suspend
	// only ever happens through forceSuspend.
	EnableIdleCheck bool `toml:"enable_idle_check" json:"enable_idle_check" yaml:"enable_idle_check"`
}

// WaitSuspendResponse returns the phase-1 vote deadline as a duration.
func (s SuspendConfig) WaitSuspendResponse() time.Duration {
	return time.Duration(s.WaitSuspendResponseMs) * time.Millisecond
}

// WaitPrepareSuspend returns the phase-2 vote deadline as a duration.
func (s SuspendConfig) WaitPrepareSuspend() time.Duration {
	return time.Duration(s.WaitPrepareSuspendMs) * time.Millisecond
}

// AfterResumeIdle returns the post-wake idle grace as a duration.
func (s SuspendConfig) AfterResumeIdle() time.Duration {
	return time.Duration(s.AfterResumeIdleMs) * time.Millisecond
}

// WaitIdle returns the base idle-check interval as a duration.
func (s SuspendConfig) WaitIdle() time.Duration {
	return time.Duration(s.WaitIdleMs) * time.Millisecond
}

// WaitAlarms returns the alarm proximity guard as a duration.
func (s SuspendConfig) WaitAlarms() time.Duration {
	return time.Duration(s.WaitAlarmsSec) * time.Second
}

// IPCConfig holds the unix-socket server configuration.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections bounds concurrent client connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// ReadTimeoutSec is the per-frame read deadline in seconds.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec is the per-frame write deadline in seconds.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
}

// DBusConfig holds the D-Bus signal bridge configuration.
type DBusConfig struct {
	// Enabled turns the bridge on. When off, signals go out on the socket
	// event stream only.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Required makes a bridge connection failure fatal at startup.
	Required bool `toml:"required" json:"required" yaml:"required"`

	// UseSessionBus connects to the session bus instead of the system bus.
	// Meant for tests and development.
	UseSessionBus bool `toml:"use_session_bus" json:"use_session_bus" yaml:"use_session_bus"`

	// LegacyInterface is the deprecated signal interface name, kept so old
	// listeners keep observing transitions.
	LegacyInterface string `toml:"legacy_interface" json:"legacy_interface" yaml:"legacy_interface"`

	// CurrentInterface is the current signal interface name.
	CurrentInterface string `toml:"current_interface" json:"current_interface" yaml:"current_interface"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// AlarmConfig holds RTC wakeup alarm configuration.
type AlarmConfig struct {
	// Enabled turns RTC alarm bookkeeping on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DozedDir returns the daemon state directory.
func DozedDir() string {
	if dir := os.Getenv("DOZED_DIR"); dir != "" {
		return dir
	}
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateHome, "dozed")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("DOZED_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DozedDir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DozedDir()
	return &Config{
		Suspend: SuspendConfig{
			WaitIdleMs:            500,
			WaitIdleGranularityMs: 100,
			WaitSuspendResponseMs: 30000,
			WaitPrepareSuspendMs:  5000,
			AfterResumeIdleMs:     1000,
			WaitAlarmsSec:         5,
			SuspendWithCharger:    false,
			EnableIdleCheck:       true,
		},
		IPC: IPCConfig{
			SocketPath:      filepath.Join(dir, "dozed.sock"),
			MaxConnections:  100,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 10,
		},
		DBus: DBusConfig{
			Enabled:          true,
			Required:         false,
			UseSessionBus:    false,
			LegacyInterface:  "com.palm.sleep.PowerEvents",
			CurrentInterface: "io.dozed.Power1",
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "dozed.db"),
			BusyTimeoutMs: 5000,
		},
		Alarms: AlarmConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Validate checks the configuration for semantic errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Suspend.WaitSuspendResponseMs <= 0 {
		errs = append(errs, fmt.Errorf("suspend.wait_suspend_response_ms must be positive, got %d", c.Suspend.WaitSuspendResponseMs))
	}
	if c.Suspend.WaitPrepareSuspendMs <= 0 {
		errs = append(errs, fmt.Errorf("suspend.wait_prepare_suspend_ms must be positive, got %d", c.Suspend.WaitPrepareSuspendMs))
	}
	if c.Suspend.WaitIdleMs <= 0 {
		errs = append(errs, fmt.Errorf("suspend.wait_idle_ms must be positive, got %d", c.Suspend.WaitIdleMs))
	}
	if c.Suspend.AfterResumeIdleMs < 0 {
		errs = append(errs, fmt.Errorf("suspend.after_resume_idle_ms must not be negative, got %d", c.Suspend.AfterResumeIdleMs))
	}
	if c.Suspend.WaitAlarmsSec < 0 {
		errs = append(errs, fmt.Errorf("suspend.wait_alarms_s must not be negative, got %d", c.Suspend.WaitAlarmsSec))
	}
	if c.IPC.SocketPath == "" {
		errs = append(errs, errors.New("ipc.socket_path must not be empty"))
	}
	if c.IPC.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("ipc.max_connections must be positive, got %d", c.IPC.MaxConnections))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if c.DBus.Enabled {
		if c.DBus.LegacyInterface == "" || c.DBus.CurrentInterface == "" {
			errs = append(errs, errors.New("dbus interface names must not be empty when the bridge is enabled"))
		}
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLogLevel(s string) (string, error) {
	switch s {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("logging.level: unknown level %q", s)
	}
}

// ApplyEnvOverrides applies DOZED_* environment overrides on top of the
// loaded file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DOZED_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("DOZED_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DOZED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DOZED_SUSPEND_WITH_CHARGER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Suspend.SuspendWithCharger = b
		}
	}
	if v := os.Getenv("DOZED_DBUS_SESSION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DBus.UseSessionBus = b
		}
	}
}
