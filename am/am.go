package am

import "time"

// Config represents the cascade configuration
type Config struct {
	Database  DatabaseConfig          `mapstructure:"database"`
	Pipeline  PipelineConfig          `mapstructure:"pipeline"`
	Entities  map[string]EntityConfig `mapstructure:"entities"`
	Providers ProvidersConfig         `mapstructure:"providers"`
	Server    ServerConfig            `mapstructure:"server"`
	Throttle  ThrottleConfig          `mapstructure:"throttle"`
	Sweep     SweepConfig             `mapstructure:"sweep"`
	Pulse     PulseConfig             `mapstructure:"pulse"`
}

// DatabaseConfig selects the collection store backend.
// Driver is one of "sqlite3", "postgres" or "rest".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`    // sqlite3 file path
	DSN    string `mapstructure:"dsn"`     // postgres connection string
	URL    string `mapstructure:"url"`     // rest endpoint base URL
	APIKey string `mapstructure:"api_key"` // rest service key
}

// PipelineConfig tunes the orchestrator and its executors
type PipelineConfig struct {
	BatchSize          int      `mapstructure:"batch_size"`
	Concurrency        int      `mapstructure:"concurrency"`
	MaxRetries         int      `mapstructure:"max_retries"`
	BaseDelayMS        int      `mapstructure:"base_delay_ms"`
	StoreTimeoutMS     int      `mapstructure:"store_timeout_ms"`
	ProviderTimeoutMS  int      `mapstructure:"provider_timeout_ms"`
	ClaimLeaseSeconds  int      `mapstructure:"claim_lease_seconds"`
	SourceLang         string   `mapstructure:"source_lang"`
	DefaultTargetLangs []string `mapstructure:"default_target_langs"`
	DiffStrategy       string   `mapstructure:"diff_strategy"`
	AutoRetry          bool     `mapstructure:"auto_retry"`
	AutoRetryDelayMS   int      `mapstructure:"auto_retry_delay_ms"`
	NotifyURL          string   `mapstructure:"notify_url"`
	PurgeURLTemplates  []string `mapstructure:"purge_url_templates"` // e.g. "https://site.example/{lang}/{entity_type}/{entity_id}"
}

// EntityConfig maps an inbound entity type to its source collection and the
// text fields that feed the content fingerprint, in fingerprint order.
type EntityConfig struct {
	Collection string   `mapstructure:"collection"`
	Fields     []string `mapstructure:"fields"`
}

// ProvidersConfig holds the three stage providers
type ProvidersConfig struct {
	Translation ProviderConfig `mapstructure:"translation"`
	Embedding   ProviderConfig `mapstructure:"embedding"`
	CDN         ProviderConfig `mapstructure:"cdn"`
}

// ProviderConfig is shared by every HTTP stage provider
type ProviderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 = unpaced
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
}

// ServerConfig configures the HTTP trigger surface
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Tokens maps a bearer token to the tenants it may trigger for.
	// A tenant entry of "*" permits every tenant.
	Tokens map[string][]string `mapstructure:"tokens"`
}

// ThrottleConfig bounds triggers per (tenant, entity type, entity id)
type ThrottleConfig struct {
	MaxPerWindow  int `mapstructure:"max_per_window"` // 0 = unlimited
	WindowSeconds int `mapstructure:"window_seconds"`
	TTLSeconds    int `mapstructure:"ttl_seconds"`
}

// SweepConfig configures the stale-run sweeper
type SweepConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"` // 0 = disabled
	StaleAfterSeconds int `mapstructure:"stale_after_seconds"`
}

// PulseConfig configures background post-processing workers
type PulseConfig struct {
	Workers        int `mapstructure:"workers"` // 0 = no background workers
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
}

// Default values
const (
	DefaultServerPort = 8787

	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// StoreTimeout is the per-call deadline for collection store writes
func (p PipelineConfig) StoreTimeout() time.Duration {
	return time.Duration(p.StoreTimeoutMS) * time.Millisecond
}

// ProviderTimeout is the per-call deadline for stage provider work
func (p PipelineConfig) ProviderTimeout() time.Duration {
	return time.Duration(p.ProviderTimeoutMS) * time.Millisecond
}

// BaseDelay is the first retry backoff
func (p PipelineConfig) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMS) * time.Millisecond
}

// ClaimLease is how long a pending idempotency claim stays exclusive
func (p PipelineConfig) ClaimLease() time.Duration {
	return time.Duration(p.ClaimLeaseSeconds) * time.Second
}
