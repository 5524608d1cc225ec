package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter implements Provider for Claude models.
type AnthropicAdapter struct {
	opts options
}

// NewAnthropicAdapter creates a new Anthropic adapter. The API key is taken
// from each call.
func NewAnthropicAdapter(opts ...Option) *AnthropicAdapter {
	return &AnthropicAdapter{opts: buildOptions(opts)}
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Invoke sends the prompt to Claude.
func (a *AnthropicAdapter) Invoke(ctx context.Context, call Call) (*Response, error) {
	if call.Credential == "" {
		return nil, &AdapterError{Provider: a.Name(), Status: 401, Err: fmt.Errorf("anthropic API key is required")}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(call.Credential),
		option.WithMaxRetries(0),
	}
	if a.opts.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(a.opts.baseURL))
	}
	if a.opts.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(a.opts.httpClient))
	}
	client := anthropic.NewClient(reqOpts...)

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(call.Model),
		MaxTokens: int64(call.maxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
	})
	if err != nil {
		return nil, wrapError(a.Name(), fmt.Errorf("anthropic API error: %w", err))
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 && len(resp.Content) == 0 {
		return nil, &AdapterError{Provider: a.Name(), Status: 200, Err: fmt.Errorf("%w: no content blocks", ErrMalformedResponse)}
	}

	return &Response{
		Content:      content.String(),
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		}.Normalize(),
	}, nil
}
