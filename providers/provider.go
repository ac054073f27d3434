// Package providers holds what the translation, embedding and CDN clients
// share: construction from config, request pacing and the mapping from HTTP
// failures onto retryable and permanent errors.
package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
	"github.com/teranos/cascade/version"
)

// DefaultTimeout bounds a single provider HTTP call
const DefaultTimeout = 30 * time.Second

// Options configure a provider client
type Options struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64 // 0 = unpaced
	Timeout           time.Duration
	// HTTPClient overrides the SSRF-safe default; tests pass httpclient.WrapClient
	HTTPClient *httpclient.SaferClient
}

// FromConfig converts the am provider section into Options
func FromConfig(cfg am.ProviderConfig) Options {
	return Options{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// Base is embedded by every provider client
type Base struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *httpclient.SaferClient
	Limiter *rate.Limiter
}

// NewBase applies defaults to opts
func NewBase(opts Options) Base {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpclient.NewSaferClient(timeout)
	}
	return Base{
		BaseURL: strings.TrimRight(opts.BaseURL, "/"),
		APIKey:  opts.APIKey,
		Model:   opts.Model,
		HTTP:    client,
		Limiter: NewLimiter(opts.RequestsPerSecond),
	}
}

// NewLimiter returns a token bucket for rps requests per second with a
// burst of one; rps <= 0 disables pacing.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// IsConfigured reports whether the client has somewhere to send requests
func (b Base) IsConfigured() bool {
	return b.BaseURL != ""
}

// Headers returns the user agent plus bearer auth when an API key is set
func (b Base) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	if b.APIKey != "" {
		h.Set("Authorization", "Bearer "+b.APIKey)
	}
	return h
}

// PostJSON paces, sends body to path and decodes into out, classifying failures
func (b Base) PostJSON(ctx context.Context, path string, body, out any) error {
	if !b.IsConfigured() {
		return batch.Permanent(errors.Wrap(errors.ErrServiceUnavailable, "provider base_url not configured"))
	}
	if err := b.Limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "provider pacing interrupted")
	}
	return Classify(b.HTTP.DoJSON(ctx, http.MethodPost, b.BaseURL+path, b.Headers(), body, out))
}

// Classify marks provider errors: 4xx other than 408/429 will not improve
// with retries, and neither will an SSRF block.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := httpclient.AsStatusError(err); ok {
		if se.StatusCode == http.StatusTooManyRequests {
			return errors.Mark(err, errors.ErrRateLimited)
		}
		if !se.Retryable() {
			return batch.Permanent(err)
		}
		return err
	}
	if strings.Contains(err.Error(), "SSRF") {
		return batch.Permanent(err)
	}
	return err
}
