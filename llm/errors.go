package llm

import "fmt"

// GatewayError is the base error type for model gateway failures.
type GatewayError struct {
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by the LLM provider itself.
type ProviderError struct {
	GatewayError
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }

// Non-provider errors.

type TimeoutError struct{ GatewayError }
type ConfigurationError struct{ GatewayError }

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *AuthenticationError:
		return false
	case *ContextLengthError:
		return false
	case *ContentFilterError:
		return false
	case *ConfigurationError:
		return false
	case *RateLimitError:
		return true
	case *ServerError:
		return true
	case *TimeoutError:
		return true
	case *ProviderError:
		return e.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}
