package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sampleterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8800", cfg.Server.Listen)
	assert.Equal(t, "python", cfg.Bridge.Command)
	assert.Equal(t, []string{"-u", "main.py"}, cfg.Bridge.Args)
	assert.Equal(t, 3*time.Second, cfg.Bridge.GracePeriod)
	assert.Equal(t, 1024, cfg.Bridge.ReadBuffer)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "0.0.0.0:8443", cfg.Gateway.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:9900"
  token: "s3cret"
bridge:
  command: "/usr/bin/env"
  args: ["python3", "-u", "main.py"]
  line_mode: true
  grace_period: 750ms
  read_buffer: 4096
database:
  path: "/tmp/history.db"
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9900", cfg.Server.Listen)
	assert.Equal(t, "s3cret", cfg.Server.Token)
	assert.Equal(t, "/usr/bin/env", cfg.Bridge.Command)
	assert.Equal(t, []string{"python3", "-u", "main.py"}, cfg.Bridge.Args)
	assert.True(t, cfg.Bridge.LineMode)
	assert.Equal(t, 750*time.Millisecond, cfg.Bridge.GracePeriod)

	dbPath, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/history.db", dbPath)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "bridge:\n  command: from-file\n")
	t.Setenv("SAMPLETERM_BRIDGE_COMMAND", "from-env")
	t.Setenv("SAMPLETERM_BRIDGE_GRACE_PERIOD", "5s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bridge.Command)
	assert.Equal(t, 5*time.Second, cfg.Bridge.GracePeriod)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidGracePeriod(t *testing.T) {
	path := writeConfig(t, "bridge:\n  grace_period: -1s\n")
	_, err := Load(viper.New(), path)
	assert.ErrorContains(t, err, "grace_period")
}

func TestBridgeConfig_Conversion(t *testing.T) {
	bc := BridgeConfig{
		Command:     "sh",
		Args:        []string{"-c", "cat"},
		PTY:         true,
		LineMode:    true,
		GracePeriod: time.Second,
		ReadBuffer:  512,
	}.BridgeConfig()

	assert.Equal(t, "sh", bc.Process.Command)
	assert.Equal(t, []string{"-c", "cat"}, bc.Process.Args)
	assert.True(t, bc.Process.PTY)
	assert.True(t, bc.LineMode)
	assert.Equal(t, 512, bc.Process.ReadBufferSize)
}

func TestDatabasePath_Default(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := &Config{}
	path, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".sampleterm", "sessions.db"), path)
}

func TestLogConfig_ConfigureZerolog(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	(&LogConfig{Level: "warn"}).ConfigureZerolog()
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	(&LogConfig{Level: "error", Debug: true}).ConfigureZerolog()
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
