// Package translation translates record fields through an OpenRouter-style
// chat completions API.
package translation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/logger"
	"github.com/teranos/cascade/providers"
)

// DefaultModel is used when none is configured
const DefaultModel = "openai/gpt-4o-mini"

// Client translates text with a chat model
type Client struct {
	providers.Base
	temperature float64
	logger      *zap.SugaredLogger
}

// NewClient creates a translation client
func NewClient(opts providers.Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &Client{
		Base:        providers.NewBase(opts),
		temperature: 0,
		logger:      logger.ComponentLogger("translation"),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func systemPrompt(source, target string) string {
	return fmt.Sprintf("Translate the user's text from %s to %s. "+
		"Preserve markdown, HTML tags, placeholders and line breaks. "+
		"Reply with the translation only.", source, target)
}

// Translate returns text rendered in target. Blank text is returned as-is
// without a provider call.
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if source == target {
		return text, nil
	}

	req := chatCompletionRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt(source, target)},
			{Role: "user", Content: text},
		},
		Temperature: c.temperature,
	}

	var resp chatCompletionResponse
	if err := c.PostJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return "", errors.Wrapf(err, "translate %s->%s", source, target)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Newf("translate %s->%s: no choices in response", source, target)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return "", batch.Permanent(errors.Newf("translate %s->%s: output truncated by token limit", source, target))
	}
	out := strings.TrimSpace(choice.Message.Content)
	if out == "" {
		return "", errors.Newf("translate %s->%s: empty translation", source, target)
	}

	c.logger.Debugw("Translated text",
		logger.FieldProvider, c.Model,
		"source_lang", source,
		"target_lang", target,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return out, nil
}
