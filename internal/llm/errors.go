package llm

import (
	"errors"
	"strings"
)

// FailureKind buckets call failures for persistence and UI copy.
type FailureKind string

const (
	FailRateLimited FailureKind = "rate_limited"
	FailAuth        FailureKind = "auth_failed"
	FailTimeout     FailureKind = "timeout"
	FailGeneric     FailureKind = "error"
)

// ErrUnsupportedToolChoice signals that the provider rejected the
// tool_choice value; callers retry once with auto.
var ErrUnsupportedToolChoice = errors.New("unsupported tool_choice")

// ErrUnsupportedResponseFormat signals a rejected JSON-schema response
// format; the caller disables it and retries without burning an attempt.
var ErrUnsupportedResponseFormat = errors.New("unsupported response_format")

// Classify maps an error to its failure kind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailGeneric
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		return FailRateLimited
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return FailAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context canceled"):
		return FailTimeout
	default:
		return FailGeneric
	}
}

// retryable reports whether the non-streaming path may retry the error:
// 500/502/503, connection failures and timeouts. Auth and other 4xx
// propagate immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch Classify(err) {
	case FailAuth:
		return false
	case FailTimeout:
		return true
	}
	for _, marker := range []string{"500", "502", "503", "internal server", "bad gateway",
		"service unavailable", "connection refused", "connection reset", "eof", "broken pipe", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Sanitize strips any leaked API key substring from an error message before
// it is persisted or broadcast.
func Sanitize(msg, apiKey string) string {
	if apiKey == "" || len(apiKey) < 8 {
		return msg
	}
	return strings.ReplaceAll(msg, apiKey, "[redacted]")
}

func toolChoiceRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tool_choice") &&
		(strings.Contains(msg, "invalid") || strings.Contains(msg, "unsupported") || strings.Contains(msg, "not supported"))
}

func responseFormatRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "response_format") || strings.Contains(msg, "json_schema")
}
