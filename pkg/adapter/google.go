package adapter

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleAdapter implements Provider for Gemini models.
type GoogleAdapter struct {
	opts options
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(opts ...Option) *GoogleAdapter {
	return &GoogleAdapter{opts: buildOptions(opts)}
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Invoke sends the prompt to Gemini.
func (a *GoogleAdapter) Invoke(ctx context.Context, call Call) (*Response, error) {
	if call.Credential == "" {
		return nil, &AdapterError{Provider: a.Name(), Status: 401, Err: fmt.Errorf("google API key is required")}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      call.Credential,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.opts.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.opts.baseURL},
	})
	if err != nil {
		return nil, wrapError(a.Name(), fmt.Errorf("failed to create google client: %w", err))
	}

	resp, err := client.Models.GenerateContent(ctx, call.Model, genai.Text(call.Prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: int32(call.maxTokens()),
	})
	if err != nil {
		return nil, wrapError(a.Name(), fmt.Errorf("google API error: %w", err))
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &AdapterError{Provider: a.Name(), Status: 200, Err: fmt.Errorf("%w: google returned no candidates", ErrMalformedResponse)}
	}

	var content strings.Builder
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}

	out := &Response{
		Content:      content.String(),
		Model:        call.Model,
		FinishReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}.Normalize()
	}
	return out, nil
}
