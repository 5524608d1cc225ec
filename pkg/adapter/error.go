package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// ErrMalformedResponse is returned when a provider answered 2xx with a body
// that carries no usable content.
var ErrMalformedResponse = errors.New("malformed provider response")

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Provider  string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		if e.Provider != "" {
			return e.Provider + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return fmt.Sprintf("%s adapter error (status=%d)", e.Provider, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is likely to clear on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status == 429 || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return true
		}
	}
	return false
}

// IsCanceled reports whether err stems from the caller abandoning the call.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// wrapError attaches the HTTP status carried by SDK errors.
func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	var genaiErr genai.APIError
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	case errors.As(err, &genaiErr):
		status = genaiErr.Code
	}
	return &AdapterError{Provider: provider, Status: status, Err: err}
}
