// Package cdn purges cached public URLs through an HTTP purge endpoint.
package cdn

import (
	"context"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
	"github.com/teranos/cascade/providers"
)

// Per-URL purge outcomes
const (
	StatusPurged = "purged"
	StatusFailed = "failed"
)

// Result is the purge outcome for one URL
type Result struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client purges URLs
type Client struct {
	providers.Base
}

// NewClient creates a CDN purge client
func NewClient(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(opts)}
}

type purgeRequest struct {
	URLs []string `json:"urls"`
}

// Purge asks the CDN to drop urls. A non-2xx response marks every URL failed
// with the response status and returns the classified error.
func (c *Client) Purge(ctx context.Context, urls []string) ([]Result, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	var results []Result
	err := c.PostJSON(ctx, "/purge", purgeRequest{URLs: urls}, &results)
	if err != nil {
		code := 0
		if se, ok := httpclient.AsStatusError(err); ok {
			code = se.StatusCode
		}
		failed := make([]Result, len(urls))
		for i, u := range urls {
			failed[i] = Result{URL: u, Status: StatusFailed, Code: code, Error: err.Error()}
		}
		return failed, errors.Wrapf(err, "purge %d urls", len(urls))
	}

	// URLs the CDN did not report on are treated as purged
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.URL] = true
	}
	for _, u := range urls {
		if !seen[u] {
			results = append(results, Result{URL: u, Status: StatusPurged})
		}
	}
	return results, nil
}

// Failed returns the results that did not purge
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Status != StatusPurged {
			out = append(out, r)
		}
	}
	return out
}
