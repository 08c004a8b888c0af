package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30000, cfg.Suspend.WaitSuspendResponseMs)
	assert.Equal(t, 5000, cfg.Suspend.WaitPrepareSuspendMs)
	assert.Equal(t, 500, cfg.Suspend.WaitIdleMs)
	assert.Equal(t, 1000, cfg.Suspend.AfterResumeIdleMs)
	assert.Equal(t, 5, cfg.Suspend.WaitAlarmsSec)
	assert.False(t, cfg.Suspend.SuspendWithCharger)
	assert.True(t, cfg.Suspend.EnableIdleCheck)

	assert.Equal(t, "com.palm.sleep.PowerEvents", cfg.DBus.LegacyInterface)
	assert.Equal(t, "io.dozed.Power1", cfg.DBus.CurrentInterface)

	require.NoError(t, cfg.Validate())
}

func TestSuspendConfig_DurationGetters(t *testing.T) {
	s := SuspendConfig{
		WaitSuspendResponseMs: 30000,
		WaitPrepareSuspendMs:  5000,
		AfterResumeIdleMs:     1000,
		WaitIdleMs:            500,
		WaitAlarmsSec:         5,
	}

	assert.Equal(t, 30*time.Second, s.WaitSuspendResponse())
	assert.Equal(t, 5*time.Second, s.WaitPrepareSuspend())
	assert.Equal(t, time.Second, s.AfterResumeIdle())
	assert.Equal(t, 500*time.Millisecond, s.WaitIdle())
	assert.Equal(t, 5*time.Second, s.WaitAlarms())
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero suspend response wait", func(c *Config) { c.Suspend.WaitSuspendResponseMs = 0 }},
		{"negative prepare wait", func(c *Config) { c.Suspend.WaitPrepareSuspendMs = -1 }},
		{"zero idle wait", func(c *Config) { c.Suspend.WaitIdleMs = 0 }},
		{"empty socket", func(c *Config) { c.IPC.SocketPath = "" }},
		{"zero connections", func(c *Config) { c.IPC.MaxConnections = 0 }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"missing dbus interfaces", func(c *Config) { c.DBus.CurrentInterface = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoader_MissingFileYieldsDefaults(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.toml"))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Suspend, cfg.Suspend)
}

func TestLoader_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[suspend]
wait_suspend_response_ms = 10000
suspend_with_charger = true

[dbus]
enabled = false
`), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Suspend.WaitSuspendResponseMs)
	assert.True(t, cfg.Suspend.SuspendWithCharger)
	assert.False(t, cfg.DBus.Enabled)
	// Unset keys keep their defaults.
	assert.Equal(t, 5000, cfg.Suspend.WaitPrepareSuspendMs)
}

func TestLoader_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
suspend:
  wait_prepare_suspend_ms: 2500
`), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.Suspend.WaitPrepareSuspendMs)
}

func TestLoader_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"suspend":{"wait_idle_ms":750}}`), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Suspend.WaitIdleMs)
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[suspend]
wait_idle_ms = -10
`), 0o644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DOZED_SOCKET", "/tmp/test-dozed.sock")
	t.Setenv("DOZED_SUSPEND_WITH_CHARGER", "true")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/tmp/test-dozed.sock", cfg.IPC.SocketPath)
	assert.True(t, cfg.Suspend.SuspendWithCharger)
}

func TestLoader_WatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[suspend]\nwait_idle_ms = 500\n"), 0o644))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("[suspend]\nwait_idle_ms = 900\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, 900, c.Suspend.WaitIdleMs)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
