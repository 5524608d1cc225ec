package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	name            string
	responses       map[string]string
	defaultResponse string

	// Usage is reported on every successful call. When nil, usage is
	// estimated from prompt and response lengths.
	Usage *Usage
	// Delay holds each call for this long, or until ctx is done.
	Delay time.Duration
	// Err, when set, is returned instead of a response.
	Err error

	mu    sync.Mutex
	calls []Call
}

// NewMockAdapter creates a mock adapter named name with a default response.
func NewMockAdapter(name string) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{
		name:            name,
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(name string, responses map[string]string, defaultResponse string) *MockAdapter {
	a := NewMockAdapter(name)
	if responses != nil {
		a.responses = responses
	}
	if defaultResponse != "" {
		a.defaultResponse = defaultResponse
	}
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Invoke returns a deterministic response for the prompt.
func (a *MockAdapter) Invoke(ctx context.Context, call Call) (*Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &AdapterError{Provider: a.name, Err: fmt.Errorf("mock call aborted: %w", ctx.Err())}
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &AdapterError{Provider: a.name, Err: err}
	}
	if a.Err != nil {
		return nil, a.Err
	}

	model := call.Model
	if model == "" {
		model = "mock-1"
	}
	content, ok := a.responses[call.Prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, call.Prompt)
	}

	usage := Usage{PromptTokens: len(call.Prompt)/4 + 1, CompletionTokens: len(content)/4 + 1}
	if a.Usage != nil {
		usage = *a.Usage
	}
	return &Response{Content: content, Model: model, FinishReason: "stop", Usage: usage.Normalize()}, nil
}

// Calls returns the calls received so far.
func (a *MockAdapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}
