package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker:
  url: mqtts://broker.example.com:8883
  username: plantd
  client_id_prefix: plantd-test
database:
  path: /var/lib/plantd/plantd.db
analysis:
  api_key: secret-key
  cooldown_hours: 12
smtp:
  host: smtp.example.com
  from: "Plantastic <alerts@example.com>"
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.URL != "mqtts://broker.example.com:8883" {
		t.Errorf("Broker.URL = %q", cfg.Broker.URL)
	}
	if cfg.Analysis.CooldownHours != 12 {
		t.Errorf("CooldownHours = %d", cfg.Analysis.CooldownHours)
	}
	if cfg.Database.Path != "/var/lib/plantd/plantd.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}

	// Defaults fill unset fields.
	if cfg.Broker.Reconnect.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want default 10", cfg.Broker.Reconnect.MaxAttempts)
	}
	if cfg.Broker.Reconnect.InitialDelay != time.Second || cfg.Broker.Reconnect.MaxDelay != 60*time.Second {
		t.Errorf("reconnect delays = %v/%v", cfg.Broker.Reconnect.InitialDelay, cfg.Broker.Reconnect.MaxDelay)
	}
	if cfg.Analysis.Model != "gemini-1.5-flash" {
		t.Errorf("Model = %q", cfg.Analysis.Model)
	}
	if cfg.Scheduler.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval)
	}
	if cfg.SMTP.Port != 587 || !cfg.SMTP.StartTLS {
		t.Errorf("SMTP defaults = port %d starttls %v", cfg.SMTP.Port, cfg.SMTP.StartTLS)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("PLANTD_TEST_API_KEY", "from-env")

	path := writeConfig(t, `
broker:
  url: mqtt://localhost:1883
analysis:
  api_key: ${PLANTD_TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analysis.APIKey != "from-env" {
		t.Errorf("APIKey = %q", cfg.Analysis.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Broker.ClientIDPrefix != "plantd" {
		t.Errorf("ClientIDPrefix = %q", cfg.Broker.ClientIDPrefix)
	}
	if cfg.Analysis.CooldownHours != 24 {
		t.Errorf("CooldownHours = %d", cfg.Analysis.CooldownHours)
	}
	if cfg.Database.Path != "plantd.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	// No broker URL, so the default config alone does not validate.
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to require broker.url")
	}
}

func TestApplyDefaults_ImplicitTLSPort(t *testing.T) {
	cfg := &Config{SMTP: SMTPConfig{Host: "smtp.example.com", Port: 465}}
	cfg.ApplyDefaults()
	if cfg.SMTP.StartTLS {
		t.Error("port 465 should keep implicit TLS")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Broker.URL = "mqtt://localhost:1883"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing broker url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"zero attempts", func(c *Config) { c.Broker.Reconnect.MaxAttempts = 0 }, "max_attempts"},
		{"negative delay", func(c *Config) { c.Broker.Reconnect.InitialDelay = -time.Second }, "initial_delay"},
		{"cap below floor", func(c *Config) { c.Broker.Reconnect.MaxDelay = time.Millisecond }, "max_delay"},
		{"zero cooldown", func(c *Config) { c.Analysis.CooldownHours = 0 }, "cooldown_hours"},
		{"zero poll", func(c *Config) { c.Scheduler.PollInterval = 0 }, "poll_interval"},
		{"smtp without from", func(c *Config) { c.SMTP = SMTPConfig{Host: "smtp.example.com", Port: 587} }, "smtp.from"},
		{"smtp bad port", func(c *Config) {
			c.SMTP = SMTPConfig{Host: "smtp.example.com", Port: 70000, From: "a@b.c"}
		}, "smtp.port"},
		{"bad log level", func(c *Config) { c.LogLevel = "shouty" }, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "broker:\n  url: mqtt://localhost:1883\n")

	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit missing path must fail")
	}
}

func TestSMTPConfigured(t *testing.T) {
	if (SMTPConfig{}).Configured() {
		t.Error("empty SMTP config should not report configured")
	}
	if !(SMTPConfig{Host: "smtp.example.com", From: "a@b.c"}).Configured() {
		t.Error("host+from should report configured")
	}
}
