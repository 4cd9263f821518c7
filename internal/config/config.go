// Package config provides YAML-based configuration loading for Labyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Labyard configuration, loaded from labyard.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Lease    LeaseConfig    `yaml:"lease"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
	Sites    []SiteConfig   `yaml:"sites"`
}

// DatabaseConfig selects and addresses the SQL backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file
}

// ServerConfig holds settings for `ly serve`.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LeaseConfig holds lease defaults and the expiry sweep schedule.
type LeaseConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	ExtendBy        time.Duration `yaml:"extend_by"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
}

// NotifyConfig lists the notification sinks. Empty sections are disabled.
type NotifyConfig struct {
	NATSURL     string     `yaml:"nats_url"`
	NATSSubject string     `yaml:"nats_subject"`
	Slack       ChatConfig `yaml:"slack"`
	Discord     ChatConfig `yaml:"discord"`
}

// ChatConfig addresses a chat channel through a bot token.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// LogConfig controls the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SiteConfig seeds a Site row at `ly db init`.
type SiteConfig struct {
	Name            string `yaml:"name"`
	SharedResources string `yaml:"shared_resources"`
	MaxJobs         int    `yaml:"max_jobs"`
	Flags           string `yaml:"flags"`
	Descr           string `yaml:"descr"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "labyard_" + c.Owner
	}
	if c.Database.Path == "" && c.Owner != "" {
		c.Database.Path = "labyard_" + c.Owner + ".db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Lease.DefaultDuration == 0 {
		c.Lease.DefaultDuration = 24 * time.Hour
	}
	if c.Lease.ExtendBy == 0 {
		c.Lease.ExtendBy = 24 * time.Hour
	}
	if c.Lease.SweepSchedule == "" {
		c.Lease.SweepSchedule = "*/5 * * * *"
	}
	if c.Notify.NATSSubject == "" {
		c.Notify.NATSSubject = "labyard"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var result *multierror.Error
	if c.Owner == "" {
		result = multierror.Append(result, fmt.Errorf("owner is required"))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		result = multierror.Append(result, fmt.Errorf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Lease.DefaultDuration < 0 {
		result = multierror.Append(result, fmt.Errorf("lease.default_duration must be positive"))
	}
	if c.Lease.ExtendBy < 0 {
		result = multierror.Append(result, fmt.Errorf("lease.extend_by must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	seen := make(map[string]bool)
	for i, s := range c.Sites {
		if s.Name == "" {
			result = multierror.Append(result, fmt.Errorf("sites[%d].name is required", i))
			continue
		}
		if seen[s.Name] {
			result = multierror.Append(result, fmt.Errorf("sites[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true
		if s.MaxJobs < 0 {
			result = multierror.Append(result, fmt.Errorf("sites[%d].max_jobs must not be negative", i))
		}
	}
	if result != nil {
		result.ErrorFormat = joinErrors
		return fmt.Errorf("config: validation failed: %s", result.Error())
	}
	return nil
}

func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
