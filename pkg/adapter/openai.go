package adapter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements Provider for OpenAI and for providers exposing an
// OpenAI-compatible chat completions endpoint.
type OpenAIAdapter struct {
	name string
	opts options
}

// NewOpenAIAdapter creates an adapter for OpenAI itself.
func NewOpenAIAdapter(opts ...Option) *OpenAIAdapter {
	return &OpenAIAdapter{name: "openai", opts: buildOptions(opts)}
}

// NewCompatibleAdapter creates an adapter named name for an
// OpenAI-compatible endpoint at baseURL.
func NewCompatibleAdapter(name, baseURL string, opts ...Option) *OpenAIAdapter {
	o := buildOptions(append([]Option{WithBaseURL(baseURL)}, opts...))
	return &OpenAIAdapter{name: name, opts: o}
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Invoke sends the prompt as a single user message.
func (a *OpenAIAdapter) Invoke(ctx context.Context, call Call) (*Response, error) {
	if call.Credential == "" {
		return nil, &AdapterError{Provider: a.name, Status: 401, Err: fmt.Errorf("%s API key is required", a.name)}
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
	client := openai.NewClient(reqOpts...)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(call.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(call.Prompt),
		},
	}
	// Compatible providers mostly only understand max_tokens.
	if a.name == "openai" {
		params.MaxCompletionTokens = openai.Int(int64(call.maxTokens()))
	} else {
		params.MaxTokens = openai.Int(int64(call.maxTokens()))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError(a.name, fmt.Errorf("%s API error: %w", a.name, err))
	}

	if len(resp.Choices) == 0 {
		return nil, &AdapterError{Provider: a.name, Status: 200, Err: fmt.Errorf("%w: %s returned no choices", ErrMalformedResponse, a.name)}
	}

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}.Normalize(),
	}, nil
}
