// ABOUTME: Anthropic Messages engine for intent classification.
// ABOUTME: Shares the prompt and reply parser with the OpenAI engine.

package reasoner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicOptions configures an AnthropicEngine.
type AnthropicOptions struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// AnthropicEngine classifies with a Claude model.
type AnthropicEngine struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicEngine creates an engine. Extra request options are passed to
// the client.
func NewAnthropicEngine(opts AnthropicOptions, extra ...option.RequestOption) *AnthropicEngine {
	if opts.Model == "" {
		opts.Model = defaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 300
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	reqOpts = append(reqOpts, extra...)
	client := anthropic.NewClient(reqOpts...)
	return &AnthropicEngine{client: &client, opts: opts}
}

func (e *AnthropicEngine) Name() string { return "anthropic" }

// Classify sends the shared prompt and parses the JSON reply.
func (e *AnthropicEngine) Classify(ctx context.Context, req Request) (Classification, error) {
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(e.opts.Model),
		MaxTokens:   e.opts.MaxTokens,
		Temperature: anthropic.Float(e.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Classification{}, remoteError(apiErr.StatusCode, apiErr.Response, err)
		}
		return Classification{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return parseReply(text.String())
}
