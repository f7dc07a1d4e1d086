package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nsfeed/nsfeed/internal/socketio"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
feed:
  url: https://cgm.example.org
  security: insecure
  secret: hunter22
  reconnect_max: 1m
state:
  backend: sqlite
  dir: /var/lib/nsfeed
server:
  port: 9090
  token: auto
log:
  level: debug
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Feed.URL != "https://cgm.example.org" {
		t.Errorf("Feed.URL = %q", cfg.Feed.URL)
	}
	if cfg.SecurityMode() != socketio.SecurityInsecure {
		t.Errorf("SecurityMode() = %q, want insecure", cfg.SecurityMode())
	}
	if cfg.Feed.ReconnectMax != time.Minute {
		t.Errorf("Feed.ReconnectMax = %v, want 1m", cfg.Feed.ReconnectMax)
	}
	if cfg.State.Backend != "sqlite" || cfg.State.Dir != "/var/lib/nsfeed" {
		t.Errorf("State = %+v", cfg.State)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Feed.ReconnectBase != time.Second {
		t.Errorf("Feed.ReconnectBase = %v, want default 1s", cfg.Feed.ReconnectBase)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
	if !cfg.Server.Enabled {
		t.Error("Server.Enabled = false, want default true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8091 {
		t.Errorf("Server.Port = %d, want default 8091", cfg.Server.Port)
	}
	if cfg.State.Backend != "file" {
		t.Errorf("State.Backend = %q, want default file", cfg.State.Backend)
	}
	if cfg.Feed.Security != "secure" {
		t.Errorf("Feed.Security = %q, want default secure", cfg.Feed.Security)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Fatal("LoadOrDefault() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.Feed.URL = "" }, "feed.url is required"},
		{"bad scheme", func(c *Config) { c.Feed.URL = "ftp://cgm" }, "feed.url"},
		{"bad security", func(c *Config) { c.Feed.Security = "tls" }, "feed.security"},
		{"base over max", func(c *Config) { c.Feed.ReconnectBase = time.Hour }, "reconnect_base"},
		{"bad backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"port ignored when disabled", func(c *Config) { c.Server.Enabled = false; c.Server.Port = 0 }, ""},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Feed.URL = "https://cgm.example.org"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}

	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}

func TestResolveToken(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Token = "fixed"
	if tok, _ := cfg.ResolveToken(); tok != "fixed" {
		t.Errorf("ResolveToken() = %q, want fixed", tok)
	}

	cfg.Server.Token = TokenAuto
	tok, err := cfg.ResolveToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 32 || cfg.Server.Token != tok {
		t.Errorf("ResolveToken() = %q, Server.Token = %q", tok, cfg.Server.Token)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output = %q, want JSON record", out)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != "/tmp/xdg/nsfeed/config.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
