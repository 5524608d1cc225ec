package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/config"
)

func TestOpenAIAdapterInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-caller", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Contains(t, body, "max_completion_tokens")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(WithBaseURL(srv.URL + "/v1"))
	resp, err := a.Invoke(context.Background(), Call{Model: "gpt-4o-mini", Prompt: "hi", Credential: "sk-caller"})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, resp.Usage)
}

func TestCompatibleAdapterUsesMaxTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "max_tokens")
		assert.NotContains(t, body, "max_completion_tokens")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"deepseek-chat",
			"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	a := NewCompatibleAdapter("deepseek", srv.URL+"/v1")
	assert.Equal(t, "deepseek", a.Name())

	resp, err := a.Invoke(context.Background(), Call{Model: "deepseek-chat", Prompt: "hi", Credential: "k", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestOpenAIAdapterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(WithBaseURL(srv.URL + "/v1"))
	_, err := a.Invoke(context.Background(), Call{Model: "gpt-4o", Prompt: "hi", Credential: "k"})
	require.Error(t, err)

	var adapterErr *AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, http.StatusServiceUnavailable, adapterErr.Status)
	assert.Equal(t, "openai", adapterErr.Provider)
	assert.True(t, IsTransient(err))
}

func TestOpenAIAdapterNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[]}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(WithBaseURL(srv.URL + "/v1"))
	_, err := a.Invoke(context.Background(), Call{Model: "gpt-4o", Prompt: "hi", Credential: "k"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAnthropicAdapterInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-caller", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"Hello"},{"type":"text","text":" world"}],
			"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":10,"output_tokens":3}}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(WithBaseURL(srv.URL))
	resp, err := a.Invoke(context.Background(), Call{Model: "claude-sonnet-4-20250514", Prompt: "hi", Credential: "sk-ant-caller"})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13}, resp.Usage)
}

func TestAnthropicAdapterRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(WithBaseURL(srv.URL))
	_, err := a.Invoke(context.Background(), Call{Model: "claude", Prompt: "hi", Credential: "k"})

	var adapterErr *AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, http.StatusTooManyRequests, adapterErr.Status)
	assert.True(t, IsTransient(err))
}

func TestGoogleAdapterInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.0-flash:generateContent"), r.URL.Path)
		_, _ = io.Copy(io.Discard, r.Body)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Bonjour"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`)
	}))
	defer srv.Close()

	a := NewGoogleAdapter(WithBaseURL(srv.URL + "/"))
	resp, err := a.Invoke(context.Background(), Call{Model: "gemini-2.0-flash", Prompt: "hi", Credential: "g-key"})
	require.NoError(t, err)

	assert.Equal(t, "Bonjour", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, resp.Usage)
}

func TestCohereAdapterInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/chat", r.URL.Path)
		assert.Equal(t, "Bearer co-key", r.Header.Get("Authorization"))

		var req cohereRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "command-r-plus", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "summarize this", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","finish_reason":"COMPLETE",
			"message":{"role":"assistant","content":[{"type":"text","text":"Summary."}]},
			"usage":{"billed_units":{"input_tokens":8,"output_tokens":2}}}`)
	}))
	defer srv.Close()

	a := NewCohereAdapter(WithBaseURL(srv.URL + "/"))
	resp, err := a.Invoke(context.Background(), Call{Model: "command-r-plus", Prompt: "summarize this", Credential: "co-key"})
	require.NoError(t, err)

	assert.Equal(t, "Summary.", resp.Content)
	assert.Equal(t, "COMPLETE", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}, resp.Usage)
}

func TestCohereAdapterErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		malformed bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"invalid api token"}`, false, false},
		{"server error", http.StatusInternalServerError, `oops`, true, false},
		{"bad json", http.StatusOK, `{not json`, false, true},
		{"no message", http.StatusOK, `{"id":"x"}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			a := NewCohereAdapter(WithBaseURL(srv.URL))
			_, err := a.Invoke(context.Background(), Call{Model: "m", Prompt: "p", Credential: "k"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestMissingCredential(t *testing.T) {
	providers := []Provider{
		NewAnthropicAdapter(),
		NewOpenAIAdapter(),
		NewGoogleAdapter(),
		NewCohereAdapter(),
	}
	for _, p := range providers {
		_, err := p.Invoke(context.Background(), Call{Model: "m", Prompt: "p"})
		require.Error(t, err, p.Name())

		var adapterErr *AdapterError
		require.True(t, errors.As(err, &adapterErr), p.Name())
		assert.Equal(t, 401, adapterErr.Status)
		assert.False(t, IsTransient(err))
	}
}

func TestMockAdapter(t *testing.T) {
	m := NewMockAdapterWithResponses("openai", map[string]string{"ping": "pong"}, "")
	m.Usage = &Usage{PromptTokens: 10, CompletionTokens: 5}

	resp, err := m.Invoke(context.Background(), Call{Model: "gpt-4o", Prompt: "ping", Credential: "k"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	resp, err = m.Invoke(context.Background(), Call{Prompt: "other"})
	require.NoError(t, err)
	assert.Equal(t, "mock response:\nother", resp.Content)
	assert.Equal(t, "mock-1", resp.Model)
	assert.Len(t, m.Calls(), 2)
}

func TestMockAdapterHonorsDeadline(t *testing.T) {
	m := NewMockAdapter("slow")
	m.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Invoke(ctx, Call{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, IsTransient(err))
	assert.False(t, IsCanceled(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"429", &AdapterError{Status: 429}, true},
		{"502", &AdapterError{Status: 502}, true},
		{"400", &AdapterError{Status: 400}, false},
		{"temporary", &AdapterError{Temporary: true}, true},
		{"wrapped 503", fmt.Errorf("call: %w", &AdapterError{Status: 503}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestCatalogRegistry(t *testing.T) {
	cat, err := catalog.New(config.DefaultRoutingConfig())
	require.NoError(t, err)

	r, err := NewCatalogRegistry(cat)
	require.NoError(t, err)
	assert.Len(t, r.Names(), len(cat.Providers()))

	p, err := r.Get("groq")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIAdapter{}, p)
	assert.Equal(t, "groq", p.Name())

	p, err = r.Get("cohere")
	require.NoError(t, err)
	assert.IsType(t, &CohereAdapter{}, p)

	_, err = r.Get("acme")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	assert.ErrorIs(t, r.Register(NewMockAdapter("groq")), ErrProviderAlreadyRegistered)
	r.Replace(NewMockAdapter("groq"))
	p, _ = r.Get("groq")
	assert.IsType(t, &MockAdapter{}, p)
}
