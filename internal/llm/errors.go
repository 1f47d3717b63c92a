// Package llm provides the provider collaborator: classified errors, the
// Connector/Connection contract and the Gemini, OpenAI and Anthropic drivers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind categorizes provider errors for failover and user messaging decisions.
type ErrorKind string

const (
	ErrorKindUnknown           ErrorKind = "unknown"
	ErrorKindQuotaExceeded     ErrorKind = "quota_exceeded"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindInvalidCredential ErrorKind = "invalid_credential"
	ErrorKindNetwork           ErrorKind = "network"
)

// IsCredentialFailure reports whether kind says something about the
// credential itself (as opposed to the network or the request).
func IsCredentialFailure(kind ErrorKind) bool {
	switch kind {
	case ErrorKindQuotaExceeded, ErrorKindRateLimited, ErrorKindInvalidCredential:
		return true
	}
	return false
}

// ProviderError wraps a failure reported by a driver with what the driver
// knew about it. Kind may be empty, in which case Classify works it out.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Kind       ErrorKind
	Err        error
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	if e.Model != "" {
		sb.WriteString("/" + e.Model)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify determines the ErrorKind of err. Structured information (an
// explicit kind, an HTTP status, a net.Error) wins over message matching.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Kind != "" {
			return pe.Kind
		}
		if kind, ok := classifyStatus(pe.StatusCode, err.Error()); ok {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindNetwork
	}

	return ClassifyMessage(err.Error())
}

func classifyStatus(status int, msg string) (ErrorKind, bool) {
	switch {
	case status == 429:
		if IsRateLimitMessage(msg) && !IsQuotaMessage(msg) {
			return ErrorKindRateLimited, true
		}
		return ErrorKindQuotaExceeded, true
	case status == 401 || status == 403:
		return ErrorKindInvalidCredential, true
	case status == 402:
		return ErrorKindQuotaExceeded, true
	case status == 400 && IsInvalidCredentialMessage(msg):
		return ErrorKindInvalidCredential, true
	case status == 408 || status >= 500:
		return ErrorKindNetwork, true
	}
	return "", false
}

// ClassifyMessage determines the error kind from an error message.
// Checked in order: quota, rate limit, invalid credential, network.
func ClassifyMessage(msg string) ErrorKind {
	if msg == "" {
		return ErrorKindUnknown
	}
	if IsQuotaMessage(msg) {
		return ErrorKindQuotaExceeded
	}
	if IsRateLimitMessage(msg) {
		return ErrorKindRateLimited
	}
	if IsInvalidCredentialMessage(msg) {
		return ErrorKindInvalidCredential
	}
	if IsNetworkMessage(msg) {
		return ErrorKindNetwork
	}
	return ErrorKindUnknown
}

func containsAny(lower string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsQuotaMessage checks if a message indicates an exhausted quota.
// A bare 429 counts as quota: Gemini reports both per-minute and per-day
// exhaustion as 429 RESOURCE_EXHAUSTED.
func IsQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if containsAny(lower, "rate limit", "rate_limit", "too many requests") && !strings.Contains(lower, "quota") {
		return false
	}
	return containsAny(lower,
		"429",
		"quota",
		"resource_exhausted",
		"resource has been exhausted",
		"exceeded your current",
		"insufficient_quota",
		"billing",
		"payment required",
		"credit balance",
	)
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"requests per minute",
		"usage limit",
	)
}

// IsInvalidCredentialMessage checks if a message indicates a bad credential.
func IsInvalidCredentialMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"api_key_invalid",
		"api key not valid",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"401",
		"unauthorized",
		"unauthenticated",
		"permission_denied",
		"permission denied",
		"api key expired",
		"invalid x-api-key",
		"authentication_error",
	)
}

// IsNetworkMessage checks if a message indicates a transport failure.
func IsNetworkMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower,
		"network",
		"fetch failed",
		"failed to fetch",
		"connection",
		"no such host",
		"timeout",
		"timed out",
		"deadline exceeded",
		"unexpected eof",
		"tls handshake",
		"503",
		"overloaded",
		"unavailable",
	)
}

// Description is the user-facing explanation of an error kind.
type Description struct {
	Title       string
	Message     string
	Suggestions []string
}

// Describe returns a user-friendly explanation for kind.
func Describe(kind ErrorKind) Description {
	switch kind {
	case ErrorKindQuotaExceeded:
		return Description{
			Title:   "Quota exhausted",
			Message: "The API key has used up its quota for now.",
			Suggestions: []string{
				"Wait a few minutes and try again",
				"Add another API key with `docgen keys add`",
				"Check usage in the provider console",
			},
		}
	case ErrorKindRateLimited:
		return Description{
			Title:   "Too many requests",
			Message: "The provider is rate limiting this key.",
			Suggestions: []string{
				"Wait 1-2 minutes before retrying",
				"Avoid starting several generations at once",
			},
		}
	case ErrorKindInvalidCredential:
		return Description{
			Title:   "Invalid API key",
			Message: "The API key was rejected or has been revoked.",
			Suggestions: []string{
				"Check that the key was copied completely",
				"Create a new key and add it with `docgen keys add`",
			},
		}
	case ErrorKindNetwork:
		return Description{
			Title:   "Connection problem",
			Message: "The provider could not be reached.",
			Suggestions: []string{
				"Check your internet connection",
				"Retry in a moment",
			},
		}
	default:
		return Description{
			Title:   "Generation failed",
			Message: "An unexpected error occurred.",
			Suggestions: []string{
				"Retry the request",
				"Run with --log-level debug for details",
			},
		}
	}
}

// FormatErrorForUser returns a single-line message for kind, including the
// raw message for unknown errors.
func FormatErrorForUser(msg string, kind ErrorKind) string {
	d := Describe(kind)
	if kind == ErrorKindUnknown || kind == "" {
		return fmt.Sprintf("%s: %s", d.Title, msg)
	}
	return fmt.Sprintf("%s: %s %s.", d.Title, d.Message, d.Suggestions[0])
}
