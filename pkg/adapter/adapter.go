// Package adapter invokes provider APIs with a caller-supplied credential.
package adapter

import (
	"context"
	"net/http"
)

// Provider sends a single prompt to a model.
type Provider interface {
	// Name returns the provider identifier used in arm keys.
	Name() string

	// Invoke calls model with prompt using call.Credential. It must return
	// promptly once ctx is done.
	Invoke(ctx context.Context, call Call) (*Response, error)
}

// Call is one outbound request.
type Call struct {
	Model      string
	Prompt     string
	Credential string
	MaxTokens  int
}

const defaultMaxTokens = 4096

func (c Call) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return defaultMaxTokens
}

// Option configures an SDK or HTTP backed provider.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the provider at a different endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
