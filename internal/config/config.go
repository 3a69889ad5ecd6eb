// Package config loads sampleterm's configuration from defaults, an
// optional YAML file, SAMPLETERM_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/peterje/sampleterm/internal/bridge"
	"github.com/peterje/sampleterm/internal/process"
)

const EnvPrefix = "SAMPLETERM"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Database DatabaseConfig `mapstructure:"database"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Listen      string    `mapstructure:"listen"`
	TCPListen   string    `mapstructure:"tcp_listen"`
	Token       string    `mapstructure:"token"`
	MaxSessions int       `mapstructure:"max_sessions"`
	TLS         TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// BridgeConfig describes the program each connection is bridged to.
type BridgeConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Dir         string        `mapstructure:"dir"`
	Env         []string      `mapstructure:"env"`
	PTY         bool          `mapstructure:"pty"`
	Rows        uint16        `mapstructure:"rows"`
	Cols        uint16        `mapstructure:"cols"`
	LineMode    bool          `mapstructure:"line_mode"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	ReadBuffer  int           `mapstructure:"read_buffer"`
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TunnelConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
	Secret     string `mapstructure:"secret"`
}

// GatewayConfig configures the public side of the reverse tunnel. The
// tunnel secret is shared with TunnelConfig.
type GatewayConfig struct {
	Listen string    `mapstructure:"listen"`
	Token  string    `mapstructure:"token"`
	TLS    TLSConfig `mapstructure:"tls"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "0.0.0.0:8800")
	v.SetDefault("server.tcp_listen", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.max_sessions", 0)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	v.SetDefault("bridge.command", "python")
	v.SetDefault("bridge.args", []string{"-u", "main.py"})
	v.SetDefault("bridge.dir", "")
	v.SetDefault("bridge.env", []string{})
	v.SetDefault("bridge.pty", false)
	v.SetDefault("bridge.rows", 40)
	v.SetDefault("bridge.cols", 120)
	v.SetDefault("bridge.line_mode", false)
	v.SetDefault("bridge.grace_period", process.DefaultGracePeriod)
	v.SetDefault("bridge.read_buffer", process.DefaultReadBufferSize)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "")

	v.SetDefault("tunnel.gateway_url", "")
	v.SetDefault("tunnel.secret", "")

	v.SetDefault("gateway.listen", "0.0.0.0:8443")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.tls.enabled", false)
	v.SetDefault("gateway.tls.cert_file", "")
	v.SetDefault("gateway.tls.key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.debug", false)
}

// Load reads configuration into a Config. configFile may be empty, in
// which case ./sampleterm.yaml and $HOME/.sampleterm/sampleterm.yaml are
// tried; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sampleterm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Bridge.Command == "" {
		return fmt.Errorf("bridge.command must be set")
	}
	if c.Bridge.GracePeriod <= 0 {
		return fmt.Errorf("bridge.grace_period must be positive, got %s", c.Bridge.GracePeriod)
	}
	if c.Bridge.ReadBuffer <= 0 {
		return fmt.Errorf("bridge.read_buffer must be positive, got %d", c.Bridge.ReadBuffer)
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must not be negative")
	}
	if c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile == "" {
		return fmt.Errorf("server.tls.key_file is required with server.tls.cert_file")
	}
	return nil
}

// BridgeConfig converts the bridge section to the bridge package's form.
func (c BridgeConfig) BridgeConfig() bridge.Config {
	return bridge.Config{
		Process: process.Config{
			Command:        c.Command,
			Args:           c.Args,
			Dir:            c.Dir,
			Env:            c.Env,
			PTY:            c.PTY,
			Rows:           c.Rows,
			Cols:           c.Cols,
			GracePeriod:    c.GracePeriod,
			ReadBufferSize: c.ReadBuffer,
		},
		LineMode: c.LineMode,
	}
}

// DatabasePath returns the configured history database path, defaulting to
// $HOME/.sampleterm/sessions.db.
func (c *Config) DatabasePath() (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// Dir returns sampleterm's per-user state directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sampleterm"), nil
}

// ConfigureZerolog applies the log level and output format globally.
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// Logger builds the process-wide logger for the configured format.
func (c *LogConfig) Logger() zerolog.Logger {
	if strings.EqualFold(c.Format, "json") {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}
