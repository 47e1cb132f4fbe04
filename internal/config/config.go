// Package config handles plantd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/plantd/config.yaml, /etc/plantd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "plantd", "config.yaml"))
	}

	paths = append(paths, "/etc/plantd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all plantd configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	LogLevel  string          `yaml:"log_level"`
}

// BrokerConfig defines the MQTT broker session settings.
type BrokerConfig struct {
	// URL is the broker address, e.g. "mqtts://broker.example.com:8883".
	// Schemes mqtts and ssl enable TLS.
	URL string `yaml:"url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientIDPrefix is prepended to the per-process session suffix.
	ClientIDPrefix string `yaml:"client_id_prefix"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls the backoff schedule after an unexpected
// disconnect. After MaxAttempts consecutive failures the manager stays
// disconnected until externally restarted.
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DatabaseConfig defines the sqlite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AnalysisConfig defines the health analysis provider settings.
type AnalysisConfig struct {
	// APIKey authenticates against the Gemini API. Supports environment
	// variable expansion via the config loader (e.g., ${GEMINI_API_KEY}).
	APIKey string `yaml:"api_key"`

	// Model is the Gemini model name (default: gemini-1.5-flash).
	Model string `yaml:"model"`

	// Endpoint overrides the API base URL. Used in tests; leave empty
	// for the public endpoint.
	Endpoint string `yaml:"endpoint"`

	// CooldownHours is the minimum gap between two notifications for
	// the same device, and the lookback window for traffic-triggered
	// analysis (default: 24).
	CooldownHours int `yaml:"cooldown_hours"`
}

// SchedulerConfig defines the periodic analysis sweep.
type SchedulerConfig struct {
	// PollInterval is how often account due-times are checked (default: 5m).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SMTPConfig holds SMTP server connection parameters for outbound
// notification email.
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g., "smtp.gmail.com").
	Host string `yaml:"host"`

	// Port is the SMTP server port. Default: 587 (submission with STARTTLS).
	Port int `yaml:"port"`

	// Username is the SMTP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the SMTP login password. Supports environment variable
	// expansion via the config loader (e.g., ${SMTP_PASSWORD}).
	Password string `yaml:"password"`

	// From is the sender address for outbound mail (e.g.,
	// "Plantastic <alerts@example.com>").
	From string `yaml:"from"`

	// StartTLS controls whether to upgrade the connection with STARTTLS.
	// Default: true. Set to false for port 465 (implicit TLS).
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether outbound mail is available.
func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.From != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// broker or credentials set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Broker.ClientIDPrefix == "" {
		c.Broker.ClientIDPrefix = "plantd"
	}
	if c.Broker.Reconnect.MaxAttempts == 0 {
		c.Broker.Reconnect.MaxAttempts = 10
	}
	if c.Broker.Reconnect.InitialDelay == 0 {
		c.Broker.Reconnect.InitialDelay = 1 * time.Second
	}
	if c.Broker.Reconnect.MaxDelay == 0 {
		c.Broker.Reconnect.MaxDelay = 60 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "plantd.db"
	}
	if c.Analysis.Model == "" {
		c.Analysis.Model = "gemini-1.5-flash"
	}
	if c.Analysis.CooldownHours == 0 {
		c.Analysis.CooldownHours = 24
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Minute
	}
	if c.SMTP.Host != "" {
		if c.SMTP.Port == 0 {
			c.SMTP.Port = 587
		}
		if !c.SMTP.StartTLS && c.SMTP.Port != 465 {
			c.SMTP.StartTLS = true
		}
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("broker.reconnect.max_attempts must be at least 1")
	}
	if c.Broker.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("broker.reconnect.initial_delay must be positive")
	}
	if c.Broker.Reconnect.MaxDelay < c.Broker.Reconnect.InitialDelay {
		return fmt.Errorf("broker.reconnect.max_delay must not be below initial_delay")
	}
	if c.Analysis.CooldownHours < 1 {
		return fmt.Errorf("analysis.cooldown_hours must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.SMTP.Host != "" {
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			return fmt.Errorf("smtp.port %d out of range (1-65535)", c.SMTP.Port)
		}
		if c.SMTP.From == "" {
			return fmt.Errorf("smtp.from is required when smtp.host is set")
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
