// Package extract implements the LLM extractors: typed
// structured outputs over free-form responses, each enforcing a schema
// contract with fenced/double-encoded JSON recovery and a safe fallback on
// any failure.
package extract

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/fateforger/timeboxd/pkg/config"
)

// Completer is the minimal surface the extractors need from an LLM backend.
// The concrete backend is Anthropic; tests supply a fake.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnthropicCompleter wraps a single anthropic-sdk-go client pinned to one
// model role's configuration (temperature, max tokens, model id).
type AnthropicCompleter struct {
	client anthropic.Client
	model  anthropic.Model
	temp   float64
	max    int64
}

// NewAnthropicCompleter builds a Completer for one extractor role from
// config.ModelConfig (config.ModelFor("stage_gate"), etc.).
func NewAnthropicCompleter(cfg config.ModelConfig, apiKey string) *AnthropicCompleter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicCompleter{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
		temp:   cfg.Temperature,
		max:    int64(cfg.MaxTokens),
	}
}

// Complete sends one single-turn request with systemPrompt as the system
// block and userPrompt as the sole user message, wrapped in bounded retry
// (cenkalti/backoff) since transient 5xx/overload responses are common
// against a hosted LLM endpoint.
func (c *AnthropicCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var out string
	operation := func() error {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       c.model,
			MaxTokens:   c.max,
			Temperature: anthropic.Float(c.temp),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			return err
		}
		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		out = text
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return out, nil
}
