// Package embedding turns text into vectors through an OpenAI-compatible
// /embeddings endpoint.
package embedding

import (
	"context"
	"strings"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/providers"
)

// DefaultModel is used when none is configured
const DefaultModel = "text-embedding-3-small"

// Client embeds text
type Client struct {
	providers.Base
}

// NewClient creates an embedding client
func NewClient(opts providers.Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &Client{Base: providers.NewBase(opts)}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// ModelName is recorded next to stored vectors
func (c *Client) ModelName() string {
	return c.Model
}

// Embed returns the vector for text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, batch.Permanent(errors.Wrap(errors.ErrContent, "cannot embed empty text"))
	}

	var resp embeddingResponse
	if err := c.PostJSON(ctx, "/embeddings", embeddingRequest{Model: c.Model, Input: text}, &resp); err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embed: response carried no vector")
	}
	return resp.Data[0].Embedding, nil
}
