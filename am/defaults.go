package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "cascade.db")

	// Pipeline defaults
	v.SetDefault("pipeline.batch_size", 25)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.base_delay_ms", 500)
	v.SetDefault("pipeline.store_timeout_ms", 2000)     // store writes
	v.SetDefault("pipeline.provider_timeout_ms", 30000) // function-level work
	v.SetDefault("pipeline.claim_lease_seconds", 300)
	v.SetDefault("pipeline.source_lang", "en")
	v.SetDefault("pipeline.default_target_langs", []string{})
	v.SetDefault("pipeline.diff_strategy", "content_hash")
	v.SetDefault("pipeline.auto_retry", false)
	v.SetDefault("pipeline.auto_retry_delay_ms", 60000)

	// Entity defaults match the source collections created by migration 003
	v.SetDefault("entities.article.collection", "articles")
	v.SetDefault("entities.article.fields", []string{"title", "summary", "body"})
	v.SetDefault("entities.service.collection", "services")
	v.SetDefault("entities.service.fields", []string{"name", "description"})
	v.SetDefault("entities.faq.collection", "faqs")
	v.SetDefault("entities.faq.fields", []string{"question", "answer"})
	v.SetDefault("entities.post.collection", "posts")
	v.SetDefault("entities.post.fields", []string{"title", "body"})

	// Provider defaults
	v.SetDefault("providers.translation.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.translation.model", "openai/gpt-4o-mini")
	v.SetDefault("providers.translation.requests_per_second", 5.0)
	v.SetDefault("providers.translation.timeout_seconds", 30)
	v.SetDefault("providers.embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.embedding.model", "text-embedding-3-small")
	v.SetDefault("providers.embedding.requests_per_second", 10.0)
	v.SetDefault("providers.embedding.timeout_seconds", 30)
	v.SetDefault("providers.cdn.requests_per_second", 2.0)
	v.SetDefault("providers.cdn.timeout_seconds", 30)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)

	// Throttle defaults
	v.SetDefault("throttle.max_per_window", 10)
	v.SetDefault("throttle.window_seconds", 60)
	v.SetDefault("throttle.ttl_seconds", 600)

	// Sweep defaults
	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.stale_after_seconds", 900)

	// Pulse defaults
	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.poll_interval_ms", 1000)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.dsn", "CASCADE_DATABASE_DSN")
	v.BindEnv("database.api_key", "CASCADE_DATABASE_API_KEY")
	v.BindEnv("providers.translation.api_key", "CASCADE_TRANSLATION_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("providers.embedding.api_key", "CASCADE_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("providers.cdn.api_key", "CASCADE_CDN_API_KEY")
}
