// ABOUTME: OpenAI Chat Completions engine for intent classification.
// ABOUTME: SDK retries are disabled so the resilience gateway owns retry policy.

package reasoner

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures an OpenAIEngine.
type OpenAIOptions struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// OpenAIEngine classifies with an OpenAI chat model.
type OpenAIEngine struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIEngine creates an engine. Extra request options are passed to the
// client, which is how tests point it at a local server.
func NewOpenAIEngine(opts OpenAIOptions, extra ...option.RequestOption) *OpenAIEngine {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 300
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	reqOpts = append(reqOpts, extra...)
	client := openai.NewClient(reqOpts...)
	return &OpenAIEngine{client: &client, opts: opts}
}

func (e *OpenAIEngine) Name() string { return "openai" }

// Classify sends the shared prompt and parses the JSON reply.
func (e *OpenAIEngine) Classify(ctx context.Context, req Request) (Classification, error) {
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(req)),
		},
		Temperature:         openai.Float(e.opts.Temperature),
		MaxCompletionTokens: openai.Int(e.opts.MaxTokens),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Classification{}, remoteError(apiErr.StatusCode, apiErr.Response, err)
		}
		return Classification{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, fmt.Errorf("%w: no choices", ErrMalformedReply)
	}
	return parseReply(resp.Choices[0].Message.Content)
}
