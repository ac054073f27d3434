package am

import (
	"strings"

	"github.com/teranos/cascade/errors"
)

var validDrivers = map[string]bool{"sqlite3": true, "postgres": true, "rest": true}

var validStrategies = map[string]bool{"content_hash": true, "updated_at": true, "version": true}

// Validate checks that the configuration is valid.
// Zero means zero: a zero count disables the feature, negatives are invalid.
func (c *Config) Validate() error {
	if !validDrivers[c.Database.Driver] {
		return errors.Newf("database.driver must be sqlite3, postgres or rest, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn cannot be empty for the postgres driver")
	}
	if c.Database.Driver == "rest" && c.Database.URL == "" {
		return errors.New("database.url cannot be empty for the rest driver")
	}

	if c.Pipeline.BatchSize <= 0 {
		return errors.Newf("pipeline.batch_size must be > 0, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Concurrency <= 0 {
		return errors.Newf("pipeline.concurrency must be > 0, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.Newf("pipeline.max_retries must be >= 0, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.BaseDelayMS < 0 {
		return errors.Newf("pipeline.base_delay_ms must be >= 0, got %d", c.Pipeline.BaseDelayMS)
	}
	if c.Pipeline.StoreTimeoutMS <= 0 {
		return errors.Newf("pipeline.store_timeout_ms must be > 0, got %d", c.Pipeline.StoreTimeoutMS)
	}
	if c.Pipeline.ProviderTimeoutMS <= 0 {
		return errors.Newf("pipeline.provider_timeout_ms must be > 0, got %d", c.Pipeline.ProviderTimeoutMS)
	}
	if c.Pipeline.ClaimLeaseSeconds <= 0 {
		return errors.Newf("pipeline.claim_lease_seconds must be > 0, got %d", c.Pipeline.ClaimLeaseSeconds)
	}
	if c.Pipeline.DiffStrategy != "" && !validStrategies[c.Pipeline.DiffStrategy] {
		return errors.Newf("pipeline.diff_strategy %q is not one of content_hash, updated_at, version", c.Pipeline.DiffStrategy)
	}
	for _, tmpl := range c.Pipeline.PurgeURLTemplates {
		if !strings.Contains(tmpl, "{entity_id}") {
			return errors.Newf("pipeline.purge_url_templates entry %q must contain {entity_id}", tmpl)
		}
	}

	for name, entity := range c.Entities {
		if entity.Collection == "" {
			return errors.Newf("entities.%s.collection cannot be empty", name)
		}
		if len(entity.Fields) == 0 {
			return errors.Newf("entities.%s.fields cannot be empty", name)
		}
	}

	if c.Providers.Translation.RequestsPerSecond < 0 ||
		c.Providers.Embedding.RequestsPerSecond < 0 ||
		c.Providers.CDN.RequestsPerSecond < 0 {
		return errors.New("providers.*.requests_per_second must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Throttle.MaxPerWindow < 0 {
		return errors.Newf("throttle.max_per_window must be >= 0, got %d", c.Throttle.MaxPerWindow)
	}
	if c.Throttle.MaxPerWindow > 0 && c.Throttle.WindowSeconds <= 0 {
		return errors.Newf("throttle.window_seconds must be > 0 when throttling, got %d", c.Throttle.WindowSeconds)
	}

	if c.Sweep.IntervalSeconds < 0 {
		return errors.Newf("sweep.interval_seconds must be >= 0, got %d", c.Sweep.IntervalSeconds)
	}
	if c.Sweep.IntervalSeconds > 0 && c.Sweep.StaleAfterSeconds <= 0 {
		return errors.Newf("sweep.stale_after_seconds must be > 0 when sweeping, got %d", c.Sweep.StaleAfterSeconds)
	}

	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.Workers > 0 && c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0 with workers, got %d", c.Pulse.PollIntervalMS)
	}

	return nil
}
