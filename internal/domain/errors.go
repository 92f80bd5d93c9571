package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingCredential  = errors.New("missing credential")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrInvalidTenant      = errors.New("invalid tenant id")
	ErrInvalidKeyFormat   = errors.New("invalid API key format")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrKeyTestFailed      = errors.New("API key test failed")
)

type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindUnavailable ErrorKind = "unavailable"
	KindQuota       ErrorKind = "quota"
	KindGeneric     ErrorKind = "generic"
)

// ProviderError is a vendor-side failure. Message is safe to show to end users.
type ProviderError struct {
	Provider   string
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type ModelNotFoundError struct {
	ModelID  string
	Provider string
}

func (e *ModelNotFoundError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("model %q not found", e.ModelID)
	}
	return fmt.Sprintf("model %q not found for provider %s", e.ModelID, e.Provider)
}

type TokenLimitExceededError struct {
	ModelID   string
	Estimated int
	Limit     int
}

func (e *TokenLimitExceededError) Error() string {
	return fmt.Sprintf("estimated %d input tokens exceeds limit of %d for model %s", e.Estimated, e.Limit, e.ModelID)
}

type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

type RateLimitedError struct {
	Operation string
	ResetAt   time.Time
	Reason    string
}

func (e *RateLimitedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rate limited on %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("rate limited on %s until %s", e.Operation, e.ResetAt.Format(time.RFC3339))
}

type ContentPolicyError struct {
	Provider string
	Reason   string
}

func (e *ContentPolicyError) Error() string {
	return fmt.Sprintf("%s: response blocked by content policy (%s)", e.Provider, e.Reason)
}
