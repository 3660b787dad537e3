// Package gateway
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIdentityRequired is returned before any signing or network work
	// when a private endpoint is called without an identity.
	ErrIdentityRequired = errors.New("identity required for private endpoint")
	// ErrInvalidNonce is returned when a nonce repeats within the replay
	// retention window. No network call is made.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrSigningFailed is returned when a request cannot be signed. The
	// request is never sent unsigned.
	ErrSigningFailed = errors.New("request signing failed")
	// ErrCredentialsNotFound is returned when the credential source has no
	// entry for the identity.
	ErrCredentialsNotFound = errors.New("credentials not found")
	// ErrRequestTimeout is returned when the per-call deadline expires,
	// distinct from other transport failures.
	ErrRequestTimeout = errors.New("request timed out")
)

// Cause classifies exchange-reported failures.
type Cause string

const (
	CauseAuth               Cause = "auth"
	CauseRateLimited        Cause = "rate_limited"
	CauseBadRequest         Cause = "bad_request"
	CauseServiceUnavailable Cause = "service_unavailable"
	CauseUnknown            Cause = "unknown"
)

// InvalidPayloadError reports which required fields an endpoint payload is
// missing.
type InvalidPayloadError struct {
	Endpoint string
	Fields   []string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: missing %s", e.Endpoint, strings.Join(e.Fields, ", "))
}

// RateLimitedError reports a local quota breach. RetryAfter is the time
// until the breached window resets.
type RateLimitedError struct {
	Scope      string // "origin" or "identity"
	Window     string // "minute" or "hour"
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s window), retry after %v", e.Scope, e.Window, e.RetryAfter)
}

// ExchangeError is an exchange-reported failure normalized to a Cause.
type ExchangeError struct {
	Cause    Cause
	Messages []string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error (%s): %s", e.Cause, strings.Join(e.Messages, "; "))
}

// classify maps raw exchange error strings like "EAPI:Rate limit exceeded"
// to a Cause. The first recognizable prefix wins.
func classify(messages []string) Cause {
	for _, msg := range messages {
		switch {
		case strings.Contains(msg, "Rate limit"):
			return CauseRateLimited
		case strings.HasPrefix(msg, "EAPI:Invalid key"),
			strings.HasPrefix(msg, "EAPI:Invalid signature"),
			strings.HasPrefix(msg, "EAPI:Invalid nonce"),
			strings.HasPrefix(msg, "EGeneral:Permission denied"):
			return CauseAuth
		case strings.HasPrefix(msg, "EGeneral:Invalid arguments"),
			strings.HasPrefix(msg, "EOrder:"),
			strings.HasPrefix(msg, "EQuery:"):
			return CauseBadRequest
		case strings.HasPrefix(msg, "EService:"):
			return CauseServiceUnavailable
		}
	}
	return CauseUnknown
}
