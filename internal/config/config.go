package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nsfeed/nsfeed/internal/socketio"
	"github.com/nsfeed/nsfeed/internal/state"
)

// TokenAuto in server.token asks for a random token at startup.
const TokenAuto = "auto"

type Config struct {
	Feed   FeedConfig   `yaml:"feed"`
	State  StateConfig  `yaml:"state"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type FeedConfig struct {
	URL           string        `yaml:"url"`
	Security      string        `yaml:"security"`
	Secret        string        `yaml:"secret"`
	SecretHash    string        `yaml:"secret_hash"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

type StateConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Security:      string(socketio.SecuritySecure),
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		State: StateConfig{
			Backend: state.KindFile,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8091,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// DefaultPath is $XDG_CONFIG_HOME/nsfeed/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "nsfeed", "config.yaml")
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	sec, err := socketio.ParseSecurity(c.Feed.Security)
	if err != nil {
		return fmt.Errorf("feed.security: %w", err)
	}
	if _, err := socketio.EndpointURL(c.Feed.URL, sec); err != nil {
		return fmt.Errorf("feed.url: %w", err)
	}
	if c.Feed.ReconnectBase < 0 || c.Feed.ReconnectMax < 0 {
		return errors.New("feed reconnect delays must not be negative")
	}
	if c.Feed.ReconnectMax > 0 && c.Feed.ReconnectBase > c.Feed.ReconnectMax {
		return errors.New("feed.reconnect_base exceeds feed.reconnect_max")
	}
	switch c.State.Backend {
	case "", state.KindMemory, state.KindFile, state.KindSQLite:
	default:
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// SecurityMode returns the parsed feed.security value.
func (c *Config) SecurityMode() socketio.Security {
	sec, _ := socketio.ParseSecurity(c.Feed.Security)
	return sec
}

// ResolveToken replaces "auto" with a fresh random token.
func (c *Config) ResolveToken() (string, error) {
	if c.Server.Token != TokenAuto {
		return c.Server.Token, nil
	}
	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}
	c.Server.Token = tok
	return tok, nil
}

// GenerateToken returns 16 random bytes hex-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, err
	}
	return level, nil
}
