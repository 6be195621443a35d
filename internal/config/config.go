// Package config loads and validates the mailfleet YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailfleet/mailfleet/internal/dkim"
	"github.com/mailfleet/mailfleet/internal/headers"
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

// Transport kinds for sender accounts.
const (
	TransportSMTP = "smtp"
	TransportAPI  = "api"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Sending   SendingConfig   `yaml:"sending"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	APISend   APISendConfig   `yaml:"api_send"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Auto      AutoConfig      `yaml:"auto"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Lists     ListsConfig     `yaml:"lists"`
	Templates TemplatesConfig `yaml:"templates"`
	Headers   headers.Rules   `yaml:"headers"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Internal: directory of the config file, used to resolve relative
	// secret/token paths (not in YAML).
	baseDir string `yaml:"-"`
}

// StorageConfig contains ledger storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// AccountConfig describes one sender identity
type AccountConfig struct {
	ID         string `yaml:"id"`
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
	Transport  string `yaml:"transport"` // smtp (app password) or api (session token)
	Quota      int    `yaml:"quota"`     // max sends per calendar day
	Enabled    bool   `yaml:"enabled"`
	SecretFile string `yaml:"secret_file,omitempty"` // app password file (transport=smtp)
	TokenFile  string `yaml:"token_file,omitempty"`  // session token file (transport=api)
}

// SendingConfig contains run-level sending settings
type SendingConfig struct {
	DelayMin      time.Duration `yaml:"delay_min"`       // min randomized inter-send delay
	DelayMax      time.Duration `yaml:"delay_max"`       // max randomized inter-send delay
	MaxRetries    int           `yaml:"max_retries"`     // transient retries per recipient per run
	RatePerMinute int           `yaml:"rate_per_minute"` // global smoothing across all workers, 0 = off
	RecipientsCSV string        `yaml:"recipients_csv"`  // default recipient source
}

// SMTPConfig contains the provider submission endpoint settings
type SMTPConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// APISendConfig contains the provider HTTP send endpoint settings
type APISendConfig struct {
	SendEndpoint  string        `yaml:"send_endpoint"`
	InboxEndpoint string        `yaml:"inbox_endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings for the SMTP transport
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// AutoConfig contains the unattended daily run settings
type AutoConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Time      string `yaml:"time"`     // "HH:MM", local to Timezone
	Timezone  string `yaml:"timezone"` // IANA name, default Local
	TargetMin int    `yaml:"target_min"`
	TargetMax int    `yaml:"target_max"`
}

// FeedbackConfig contains inbound-poll throttle detection settings
type FeedbackConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lookback     time.Duration `yaml:"lookback"`
	Cooldown     time.Duration `yaml:"cooldown"`
	Keywords     []string      `yaml:"keywords"`
}

// ListsConfig contains blacklist/whitelist settings. Inline entries and
// file entries are merged.
type ListsConfig struct {
	Blacklist     []string `yaml:"blacklist"`
	Whitelist     []string `yaml:"whitelist"`
	BlacklistFile string   `yaml:"blacklist_file"`
	WhitelistFile string   `yaml:"whitelist_file"`
}

// TemplatesConfig points at the message variants file
type TemplatesConfig struct {
	File string `yaml:"file"`
}

// ControlConfig contains the HTTP control surface settings
type ControlConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ListenAddr    string   `yaml:"listen_addr"`
	AuthTokenHash string   `yaml:"auth_token_hash"` // bcrypt hash; empty disables auth
	AllowedIPs    []string `yaml:"allowed_ips"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(abs)

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultThrottleKeywords are the provider phrases that denote an
// asynchronous throttle or block notice.
var DefaultThrottleKeywords = []string{
	"message blocked",
	"reached a limit for sending mail",
	"daily sending quota",
	"quota exceeded",
	"rate limit",
	"sending limit",
	"mail delivery subsystem",
	"delivery status notification",
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "data/ledger.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Accounts {
		if c.Accounts[i].Transport == "" {
			c.Accounts[i].Transport = TransportSMTP
		}
		if c.Accounts[i].Quota == 0 {
			c.Accounts[i].Quota = 10
		}
	}

	if c.Sending.DelayMin == 0 {
		c.Sending.DelayMin = 3 * time.Second
	}
	if c.Sending.DelayMax == 0 {
		c.Sending.DelayMax = 30 * time.Second
	}
	if c.Sending.MaxRetries == 0 {
		c.Sending.MaxRetries = 2
	}

	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.gmail.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.APISend.Timeout == 0 {
		c.APISend.Timeout = 30 * time.Second
	}

	if c.DKIM.Selector == "" {
		c.DKIM.Selector = dkim.DefaultSelector
	}

	if c.Auto.Time == "" {
		c.Auto.Time = "09:30"
	}
	if c.Auto.TargetMin == 0 {
		c.Auto.TargetMin = 3
	}
	if c.Auto.TargetMax == 0 {
		c.Auto.TargetMax = 8
	}

	if c.Feedback.PollInterval == 0 {
		c.Feedback.PollInterval = 25 * time.Second
	}
	if c.Feedback.Lookback == 0 {
		c.Feedback.Lookback = 24 * time.Hour
	}
	if c.Feedback.Cooldown == 0 {
		c.Feedback.Cooldown = 24 * time.Hour
	}
	if len(c.Feedback.Keywords) == 0 {
		c.Feedback.Keywords = append([]string(nil), DefaultThrottleKeywords...)
	}

	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = ":8080"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	seen := make(map[string]bool)
	for _, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("account without id")
		}
		if seen[acc.ID] {
			return fmt.Errorf("duplicate account id: %s", acc.ID)
		}
		seen[acc.ID] = true

		if !mailaddr.Valid(acc.Email) {
			return fmt.Errorf("account %s: invalid email: %q", acc.ID, acc.Email)
		}
		if acc.Quota < 0 {
			return fmt.Errorf("account %s: quota must not be negative", acc.ID)
		}

		switch acc.Transport {
		case TransportSMTP:
			if acc.SecretFile == "" {
				return fmt.Errorf("account %s: secret_file is required for smtp transport", acc.ID)
			}
		case TransportAPI:
			if acc.TokenFile == "" {
				return fmt.Errorf("account %s: token_file is required for api transport", acc.ID)
			}
		default:
			return fmt.Errorf("account %s: invalid transport: %s (must be smtp or api)", acc.ID, acc.Transport)
		}
	}

	if c.Sending.DelayMin > c.Sending.DelayMax {
		return fmt.Errorf("sending.delay_min must not exceed sending.delay_max")
	}
	if c.Sending.MaxRetries < 0 {
		return fmt.Errorf("sending.max_retries must not be negative")
	}

	if c.Auto.TargetMin < 0 || c.Auto.TargetMax < 0 {
		return fmt.Errorf("auto.target_min and auto.target_max must not be negative")
	}
	if c.Auto.TargetMin > c.Auto.TargetMax {
		return fmt.Errorf("auto.target_min must not exceed auto.target_max")
	}
	if c.Auto.Enabled {
		if _, _, err := ParseClock(c.Auto.Time); err != nil {
			return fmt.Errorf("invalid auto.time: %w", err)
		}
	}

	if c.DKIM.Enabled {
		if c.DKIM.Domain == "" {
			return fmt.Errorf("dkim.domain is required when dkim is enabled")
		}
		if c.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.key_file is required when dkim is enabled")
		}
	}

	return nil
}

// ParseClock parses a "HH:MM" wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// ResolvePath resolves a possibly-relative path against the config file
// directory, matching how account secret files are referenced.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// Account returns the account with the given id, or nil.
func (c *Config) Account(id string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i]
		}
	}
	return nil
}
