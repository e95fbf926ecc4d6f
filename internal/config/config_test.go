package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s3gate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.BaseFolder == "" || cfg.Server.Port == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	def := Default()
	if def.Server.Port != 3000 {
		t.Errorf("default port = %d, want 3000", def.Server.Port)
	}
	if def.Server.MaxObjectSize != 32<<30 {
		t.Errorf("default max object size = %d", def.Server.MaxObjectSize)
	}
	if def.Session.Retry.MaxAttempts != 10 || def.Session.Retry.Delay != time.Second {
		t.Errorf("default retry = %+v", def.Session.Retry)
	}
	if err := def.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if def.ChainID() != "lupulella-2" {
		t.Errorf("ChainID = %q", def.ChainID())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
  shutdown_timeout: 5s
auth:
  access_key: AKIA
  secret_key: shh
session:
  base_folder: Gateway
  network: MAINNET
  op_timeout: 90s
  retry:
    max_attempts: 3
    delay: 250ms
    exponential: true
storage:
  backend: sqlite
  sqlite:
    path: /var/lib/s3gate/objects.db
multipart:
  store:
    engine: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Region != "us-east-1" {
		t.Errorf("region default lost: %q", cfg.Server.Region)
	}
	if cfg.Auth.AccessKey != "AKIA" || cfg.Auth.SecretKey != "shh" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Session.Network != "mainnet" || cfg.ChainID() != "jackal-1" {
		t.Errorf("network = %q chain = %q", cfg.Session.Network, cfg.ChainID())
	}
	if cfg.Session.OpTimeout != 90*time.Second {
		t.Errorf("op timeout = %v", cfg.Session.OpTimeout)
	}
	r := cfg.Session.Retry
	if r.MaxAttempts != 3 || r.Delay != 250*time.Millisecond || !r.Exponential {
		t.Errorf("retry = %+v", r)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.SQLite.Path != "/var/lib/s3gate/objects.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if cfg.Session.BaseFolder == "" || cfg.Storage.Backend == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                   "8080",
		"ACCESS_KEY":             "envkey",
		"SECRET_KEY":             "envsecret",
		"BASE_FOLDER":            "Elsewhere",
		"NETWORK":                "mainnet",
		"S3GATE_STORAGE_BACKEND": "memory",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	if err := applyEnv(cfg, lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Auth.AccessKey != "envkey" || cfg.Auth.SecretKey != "envsecret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Session.BaseFolder != "Elsewhere" || cfg.Session.Network != "mainnet" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}

	env["PORT"] = "eighty"
	if err := applyEnv(Default(), lookup); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty secret", func(c *Config) { c.Auth.SecretKey = "" }, "secret_key"},
		{"bad network", func(c *Config) { c.Session.Network = "devnet" }, "network"},
		{"zero attempts", func(c *Config) { c.Session.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"nested base", func(c *Config) { c.Session.BaseFolder = "a/b" }, "base_folder"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }, "unknown backend"},
		{"aws without bucket", func(c *Config) { c.Storage.Backend = "aws" }, "aws.bucket"},
		{"azure without account", func(c *Config) {
			c.Storage.Backend = "azure"
			c.Storage.Azure.Container = "c"
		}, "azure.account"},
		{"unknown store", func(c *Config) { c.Multipart.Store.Engine = "redis" }, "store engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestStorePath(t *testing.T) {
	tests := []struct {
		cfg  StoreConfig
		want string
	}{
		{StoreConfig{Engine: "sqlite"}, "./data/uploads.db"},
		{StoreConfig{Engine: "local"}, "./data/uploads"},
		{StoreConfig{Engine: "sqlite", Path: "/var/lib/s3gate/u.db"}, "/var/lib/s3gate/u.db"},
	}
	for _, tt := range tests {
		if got := tt.cfg.StorePath(); got != tt.want {
			t.Errorf("StorePath(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
