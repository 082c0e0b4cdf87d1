// Package config loads the engine configuration from YAML with
// environment-variable fallbacks for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds config files to 1MB.
const maxConfigSize = 1 << 20

// Duration wraps time.Duration so it parses from YAML strings like
// "5m" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config represents the engine configuration
type Config struct {
	// Session state machine and store
	Session SessionConfig `yaml:"session"`

	// Local content storage
	Content ContentConfig `yaml:"content"`

	// Plan tier storage
	Plan PlanConfig `yaml:"plan"`

	// Mutation sync queue
	Queue QueueConfig `yaml:"queue"`

	// Sync processor
	Processor ProcessorConfig `yaml:"processor"`

	// Remote content service
	Remote RemoteConfig `yaml:"remote"`

	// Identity service
	Identity IdentityConfig `yaml:"identity"`

	// Health and metrics
	Observability ObservabilityConfig `yaml:"observability"`
}

// SessionConfig holds session persistence and lifecycle settings
type SessionConfig struct {
	// Backend selects the session store: "file" or "redis"
	Backend string `yaml:"backend"`
	// Dir is the file backend directory (defaults to ~/.synccore/session)
	Dir string `yaml:"dir"`
	// Redis holds redis backend settings
	Redis RedisConfig `yaml:"redis"`
	// ValidityWindow is how long a stored session stays trusted without
	// remote confirmation
	ValidityWindow Duration `yaml:"validity_window"`
	// RefreshInterval is the periodic token refresh cadence
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// ContentConfig holds local entry storage settings
type ContentConfig struct {
	// Dir is the entry directory (defaults to ~/.synccore/content)
	Dir string `yaml:"dir"`
}

// PlanConfig holds plan tier persistence settings
type PlanConfig struct {
	// Backend selects the tier store: "file" or "redis". Empty follows
	// the session backend.
	Backend string `yaml:"backend"`
	// Dir is the file backend directory (defaults to ~/.synccore/plan)
	Dir string `yaml:"dir"`
	// Redis holds redis backend settings
	Redis RedisConfig `yaml:"redis"`
}

// QueueConfig holds sync queue persistence settings
type QueueConfig struct {
	// Backend selects the queue store: "memory", "file" or "redis"
	Backend string `yaml:"backend"`
	// Dir is the file backend directory (defaults to ~/.synccore/queue)
	Dir string `yaml:"dir"`
	// Redis holds redis backend settings
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds shared Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Key namespaces this component's data
	Key      string `yaml:"key"`
	PoolSize int    `yaml:"pool_size"`
}

// ProcessorConfig tunes the sync processor
type ProcessorConfig struct {
	Workers      int      `yaml:"workers"`
	RetryCeiling int      `yaml:"retry_ceiling"`
	BackoffBase  Duration `yaml:"backoff_base"`
	BackoffCap   Duration `yaml:"backoff_cap"`
	PollInterval Duration `yaml:"poll_interval"`
	RemoteRPS    float64  `yaml:"remote_rps"`
	RemoteBurst  int      `yaml:"remote_burst"`
}

// RemoteConfig selects and configures the remote content service
type RemoteConfig struct {
	// Provider is "firestore" or "none"
	Provider string `yaml:"provider"`
	// ProjectID is the GCP project (falls back to GCP_PROJECT)
	ProjectID string `yaml:"project_id"`
	// CredentialsFile is the service account key path (falls back to
	// GOOGLE_APPLICATION_CREDENTIALS)
	CredentialsFile string `yaml:"credentials_file"`
	// Collection is the Firestore collection root
	Collection string `yaml:"collection"`
}

// IdentityConfig points at the identity service
type IdentityConfig struct {
	// BaseURL is the identity service root (falls back to
	// SYNCCORE_IDENTITY_URL)
	BaseURL string `yaml:"base_url"`
	// Timeout is the per-request timeout
	Timeout Duration `yaml:"timeout"`
	// RPS bounds outbound identity calls per second
	RPS float64 `yaml:"rps"`
	// Burst is the limiter burst size
	Burst int `yaml:"burst"`
}

// ObservabilityConfig holds health and metrics settings
type ObservabilityConfig struct {
	// MetricsAddr is the health/metrics listen address (":9090");
	// empty disables the server
	MetricsAddr string `yaml:"metrics_addr"`
	// TracesEnabled toggles OpenTelemetry tracing
	TracesEnabled bool `yaml:"traces_enabled"`
	// Exporter is "otlp", "stdout", or "none"
	Exporter string `yaml:"exporter"`
	// OTLPEndpoint is the collector endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Session.Backend == "" {
		c.Session.Backend = "file"
	}
	if c.Session.ValidityWindow.Duration == 0 {
		c.Session.ValidityWindow.Duration = 7 * 24 * time.Hour
	}
	if c.Session.RefreshInterval.Duration == 0 {
		c.Session.RefreshInterval.Duration = 5 * time.Minute
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = os.Getenv("SYNCCORE_REDIS_ADDR")
	}
	if c.Session.Redis.Password == "" {
		c.Session.Redis.Password = os.Getenv("SYNCCORE_REDIS_PASSWORD")
	}

	if c.Plan.Backend == "" {
		c.Plan.Backend = c.Session.Backend
	}
	if c.Plan.Redis.Addr == "" {
		c.Plan.Redis.Addr = c.Session.Redis.Addr
	}
	if c.Plan.Redis.Password == "" {
		c.Plan.Redis.Password = c.Session.Redis.Password
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "file"
	}
	if c.Queue.Redis.Addr == "" {
		c.Queue.Redis.Addr = os.Getenv("SYNCCORE_REDIS_ADDR")
	}
	if c.Queue.Redis.Password == "" {
		c.Queue.Redis.Password = os.Getenv("SYNCCORE_REDIS_PASSWORD")
	}

	if c.Processor.Workers == 0 {
		c.Processor.Workers = 4
	}
	if c.Processor.RetryCeiling == 0 {
		c.Processor.RetryCeiling = 5
	}
	if c.Processor.BackoffBase.Duration == 0 {
		c.Processor.BackoffBase.Duration = 2 * time.Second
	}
	if c.Processor.BackoffCap.Duration == 0 {
		c.Processor.BackoffCap.Duration = 60 * time.Second
	}
	if c.Processor.PollInterval.Duration == 0 {
		c.Processor.PollInterval.Duration = 15 * time.Second
	}

	if c.Remote.Provider == "" {
		c.Remote.Provider = "none"
	}
	if c.Remote.ProjectID == "" {
		c.Remote.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Remote.CredentialsFile == "" {
		c.Remote.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Remote.Collection == "" {
		c.Remote.Collection = "journals"
	}

	if c.Identity.BaseURL == "" {
		c.Identity.BaseURL = os.Getenv("SYNCCORE_IDENTITY_URL")
	}
	if c.Identity.Timeout.Duration == 0 {
		c.Identity.Timeout.Duration = 15 * time.Second
	}

	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "none"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.Backend == "redis" && c.Session.Redis.Addr == "" {
		return fmt.Errorf("session backend is redis but no address is configured")
	}

	switch c.Plan.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown plan backend %q", c.Plan.Backend)
	}
	if c.Plan.Backend == "redis" && c.Plan.Redis.Addr == "" {
		return fmt.Errorf("plan backend is redis but no address is configured")
	}

	switch c.Queue.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue backend is redis but no address is configured")
	}

	switch c.Remote.Provider {
	case "none", "firestore":
	default:
		return fmt.Errorf("unknown remote provider %q", c.Remote.Provider)
	}
	if c.Remote.Provider == "firestore" && c.Remote.ProjectID == "" {
		return fmt.Errorf("remote provider is firestore but no project is configured")
	}

	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity base_url is required")
	}

	return nil
}
