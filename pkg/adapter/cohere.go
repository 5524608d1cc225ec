package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const cohereBaseURL = "https://api.cohere.com"

// CohereAdapter implements Provider for Cohere's v2 chat API.
type CohereAdapter struct {
	baseURL    string
	httpClient *http.Client
}

type cohereRequest struct {
	Model     string          `json:"model"`
	Messages  []cohereMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cohereResponse struct {
	ID           string `json:"id"`
	FinishReason string `json:"finish_reason"`
	Message      *struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		BilledUnits struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"billed_units"`
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

type cohereError struct {
	Message string `json:"message"`
}

// NewCohereAdapter creates a new Cohere adapter.
func NewCohereAdapter(opts ...Option) *CohereAdapter {
	o := buildOptions(opts)
	a := &CohereAdapter{baseURL: cohereBaseURL, httpClient: &http.Client{}}
	if o.baseURL != "" {
		a.baseURL = strings.TrimRight(o.baseURL, "/")
	}
	if o.httpClient != nil {
		a.httpClient = o.httpClient
	}
	return a
}

// Name returns the adapter identifier.
func (a *CohereAdapter) Name() string {
	return "cohere"
}

// Invoke sends the prompt to Cohere.
func (a *CohereAdapter) Invoke(ctx context.Context, call Call) (*Response, error) {
	if call.Credential == "" {
		return nil, &AdapterError{Provider: a.Name(), Status: 401, Err: fmt.Errorf("cohere API key is required")}
	}

	reqBody := cohereRequest{
		Model: call.Model,
		Messages: []cohereMessage{
			{Role: "user", Content: call.Prompt},
		},
		MaxTokens: call.maxTokens(),
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+call.Credential)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AdapterError{Provider: a.Name(), Err: fmt.Errorf("cohere API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AdapterError{Provider: a.Name(), Status: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr cohereError
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, &AdapterError{
			Provider: a.Name(),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("cohere API returned status %d: %s", resp.StatusCode, msg),
		}
	}

	var cohereResp cohereResponse
	if err := json.Unmarshal(body, &cohereResp); err != nil {
		return nil, &AdapterError{Provider: a.Name(), Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if cohereResp.Message == nil {
		return nil, &AdapterError{Provider: a.Name(), Status: resp.StatusCode, Err: fmt.Errorf("%w: cohere returned no message", ErrMalformedResponse)}
	}

	var content strings.Builder
	for _, part := range cohereResp.Message.Content {
		if part.Type == "text" {
			content.WriteString(part.Text)
		}
	}

	usage := Usage{
		PromptTokens:     int(cohereResp.Usage.Tokens.InputTokens),
		CompletionTokens: int(cohereResp.Usage.Tokens.OutputTokens),
	}
	if !usage.Known() {
		usage = Usage{
			PromptTokens:     int(cohereResp.Usage.BilledUnits.InputTokens),
			CompletionTokens: int(cohereResp.Usage.BilledUnits.OutputTokens),
		}
	}

	return &Response{
		Content:      content.String(),
		Model:        call.Model,
		FinishReason: cohereResp.FinishReason,
		Usage:        usage.Normalize(),
	}, nil
}
