package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "ROSTERSYNC"

var ErrMissingField = errors.New("missing required field")

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			HealthCheck: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		History: HistoryConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:/var/lib/rostersync/history.db?_pragma=busy_timeout(5000)",
		},
		Etcd: EtcdConfig{
			Endpoints:      []string{}, // Empty means no leader election
			DialTimeout:    5 * time.Second,
			ElectionPrefix: "/rostersync/leader",
			NodeName:       hostname(),
		},
		Discord: DiscordConfig{
			APIBase:   "https://discord.com/api/v10",
			RateLimit: 5,
		},
		Schedule: ScheduleConfig{
			SyncPeriod:  15 * time.Minute,
			SweepPeriod: 24 * time.Hour,
			ReportHour:  8,
			Timezone:    "UTC",
		},
		Directory: DirectoryConfig{
			IdentityProvider:   "discord",
			RoleAttribute:      "discord-role-id",
			FallbackAttribute:  "discord-fallback-group",
			RetentionAttribute: "delete_after",
			AvatarAttribute:    "avatar",
			NicknameAttribute:  "nickname",
			RetentionMonths:    6,
			RateLimit:          20,
			RequestTimeout:     30 * time.Second,
		},
	}
}

// LoadConfig layers the YAML file at path (if any) and then the environment
// over DefaultConfig. ${VAR} references inside the file are expanded first so
// client secrets can stay in the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks process-wide settings. Endpoints are validated per cycle
// instead, so one broken endpoint never stops the others.
func (c *Config) Validate() error {
	if c.Schedule.ReportHour < 0 || c.Schedule.ReportHour > 23 {
		return fmt.Errorf("schedule.reportHour must be within 0-23, got %d", c.Schedule.ReportHour)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Directory.RetentionMonths <= 0 {
		return fmt.Errorf("directory.retentionMonths must be positive")
	}

	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d]: name: %w", i, ErrMissingField)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}
	return nil
}

// Location returns the configured schedule timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports the first missing connection field of the endpoint.
func (e EndpointConfig) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"baseUrl", e.BaseURL},
		{"tokenUrl", e.TokenURL},
		{"clientId", e.ClientID},
		{"clientSecret", e.ClientSecret},
		{"realm", e.Realm},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("endpoint %s: %s: %w", e.Name, f.name, ErrMissingField)
		}
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-1"
	}
	return h
}
