package application

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// KindPostgres covers both the secondary replica and the managed
	// (Cloud SQL) instance; they differ only in DSN.
	KindPostgres = "postgres"
	KindBigQuery = "bigquery"
)

// Duration is a time.Duration that unmarshals from yaml strings like "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SourceConfig locates the authoritative database.
type SourceConfig struct {
	DSN string `yaml:"dsn"`
	// SessionTimezone is set on the source session so rendered civil text
	// carries the offset the source recorded under.
	SessionTimezone string `yaml:"session_timezone"`
}

// PollConfig tunes one poll cycle.
type PollConfig struct {
	Schedule string `yaml:"schedule"`
	// Lookback widens the query window below the watermark so late
	// correction rows are re-applied. How late a correction can arrive is
	// unresolved operational policy, hence configurable.
	Lookback      Duration `yaml:"lookback"`
	BatchSize     int      `yaml:"batch_size"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// NotifyConfig points cycle failure/recovery notifications at an ops
// webhook. Empty url disables notifications.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Cooldown   Duration `yaml:"cooldown"`
}

// DestinationConfig describes one downstream store.
type DestinationConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Table is the readings table at the destination (defaults per kind).
	Table string `yaml:"table"`

	// Postgres kinds.
	DSN            string `yaml:"dsn"`
	WatermarkTable string `yaml:"watermark_table"`

	// BigQuery kind.
	ProjectID       string `yaml:"project_id"`
	Dataset         string `yaml:"dataset"`
	StagingTable    string `yaml:"staging_table"`
	CredentialsFile string `yaml:"credentials_file"`
	CursorPath      string `yaml:"cursor_path"`
}

// Config is the full engine configuration.
type Config struct {
	Source       SourceConfig        `yaml:"source"`
	Poll         PollConfig          `yaml:"poll"`
	Notify       NotifyConfig        `yaml:"notify"`
	MetricsAddr  string              `yaml:"metrics_addr"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

// LoadConfig loads yaml config from path (or $PLUVIOSYNC_CONFIG when path is
// empty) and applies defaults and env expansion. DSNs and credential paths
// may reference environment variables as ${VAR}.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		Source: SourceConfig{SessionTimezone: "America/Sao_Paulo"},
		Poll: PollConfig{
			Schedule:      "*/5 * * * *",
			Lookback:      Duration(10 * time.Minute),
			BatchSize:     5000,
			RetryAttempts: 3,
			RetryBackoff:  Duration(2 * time.Second),
		},
		Notify:      NotifyConfig{Cooldown: Duration(15 * time.Minute)},
		MetricsAddr: ":8080",
	}

	if path == "" {
		path = os.Getenv("PLUVIOSYNC_CONFIG")
	}
	if path == "" {
		return cfg, errors.New("config: no config file (pass -config or set PLUVIOSYNC_CONFIG)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Source.DSN = os.ExpandEnv(cfg.Source.DSN)
	cfg.Notify.WebhookURL = os.ExpandEnv(cfg.Notify.WebhookURL)
	for i := range cfg.Destinations {
		cfg.Destinations[i].DSN = os.ExpandEnv(cfg.Destinations[i].DSN)
		cfg.Destinations[i].CredentialsFile = os.ExpandEnv(cfg.Destinations[i].CredentialsFile)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Source.DSN == "" {
		return errors.New("config: source dsn required")
	}
	if c.Poll.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.Poll.Lookback.Std() < 0 {
		return errors.New("config: lookback must not be negative")
	}
	if c.Poll.RetryAttempts < 1 {
		return errors.New("config: retry_attempts must be at least 1")
	}
	if len(c.Destinations) == 0 {
		return errors.New("config: at least one destination required")
	}
	seen := map[string]bool{}
	for _, dest := range c.Destinations {
		if dest.Name == "" {
			return errors.New("config: destination name required")
		}
		if seen[dest.Name] {
			return fmt.Errorf("config: duplicate destination name %q", dest.Name)
		}
		seen[dest.Name] = true
		switch dest.Kind {
		case KindPostgres:
			if dest.DSN == "" {
				return fmt.Errorf("config: destination %s: dsn required", dest.Name)
			}
		case KindBigQuery:
			if dest.ProjectID == "" || dest.Dataset == "" || dest.Table == "" {
				return fmt.Errorf("config: destination %s: project_id, dataset and table required", dest.Name)
			}
		default:
			return fmt.Errorf("config: destination %s: unknown kind %q", dest.Name, dest.Kind)
		}
	}
	return nil
}

// Destination returns the named destination config.
func (c Config) Destination(name string) (DestinationConfig, bool) {
	for _, dest := range c.Destinations {
		if dest.Name == name {
			return dest, true
		}
	}
	return DestinationConfig{}, false
}
