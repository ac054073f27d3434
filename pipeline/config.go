package pipeline

import (
	"time"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/diff"
)

// Config tunes the orchestrator
type Config struct {
	Entities           map[string]am.EntityConfig
	SourceLang         string
	DefaultTargetLangs []string
	DiffStrategy       diff.Strategy
	BatchSize          int
	Concurrency        int
	MaxRetries         int
	BaseDelay          time.Duration
	StoreTimeout       time.Duration
	ProviderTimeout    time.Duration
	ClaimLease         time.Duration
	PurgeURLTemplates  []string
	AutoRetry          bool
	AutoRetryDelay     time.Duration
	NotifyURL          string
}

// ConfigFromAm builds a Config from the loaded configuration
func ConfigFromAm(cfg *am.Config) Config {
	p := cfg.Pipeline
	return Config{
		Entities:           cfg.Entities,
		SourceLang:         p.SourceLang,
		DefaultTargetLangs: p.DefaultTargetLangs,
		DiffStrategy:       diff.ParseStrategy(p.DiffStrategy),
		BatchSize:          p.BatchSize,
		Concurrency:        p.Concurrency,
		MaxRetries:         p.MaxRetries,
		BaseDelay:          p.BaseDelay(),
		StoreTimeout:       p.StoreTimeout(),
		ProviderTimeout:    p.ProviderTimeout(),
		ClaimLease:         p.ClaimLease(),
		PurgeURLTemplates:  p.PurgeURLTemplates,
		AutoRetry:          p.AutoRetry,
		AutoRetryDelay:     time.Duration(p.AutoRetryDelayMS) * time.Millisecond,
		NotifyURL:          p.NotifyURL,
	}
}

func (c Config) withDefaults() Config {
	if c.SourceLang == "" {
		c.SourceLang = "en"
	}
	if c.DiffStrategy == "" {
		c.DiffStrategy = diff.ContentHash
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	return c
}
