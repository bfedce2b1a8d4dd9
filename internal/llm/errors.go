package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a provider failure for retry purposes.
type Kind int

const (
	// KindUnknown covers failures that resist classification. Treated
	// as transient so a flaky provider gets the benefit of the doubt.
	KindUnknown Kind = iota

	// KindAuth is a credentials failure (401/403). Never retried.
	KindAuth

	// KindValidation is a malformed request (400/404/422). Never retried.
	KindValidation

	// KindRateLimit is provider backpressure (429). Retried with backoff.
	KindRateLimit

	// KindNetwork covers transport failures and provider 5xx responses.
	// Retried with backoff.
	KindNetwork
)

// String returns the snake_case kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status when known, 0 otherwise
	Msg    string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: %s (%d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry coordinator may retry this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindValidation:
		return false
	default:
		return true
	}
}

// classify maps a go-openai or transport error onto the kind taxonomy.
// Status codes: 401/403 auth, 400/404/422 validation, 429 rate limit,
// 5xx network. Everything else stays unknown (transient).
func classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:   kindForStatus(apiErr.HTTPStatusCode),
			Status: apiErr.HTTPStatusCode,
			Msg:    apiErr.Message,
			Err:    err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:   kindForStatus(reqErr.HTTPStatusCode),
			Status: reqErr.HTTPStatusCode,
			Msg:    reqErr.Error(),
			Err:    err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Msg: err.Error(), Err: err}
	}

	return &Error{Kind: KindUnknown, Msg: err.Error(), Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 400 || status == 404 || status == 422:
		return KindValidation
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
