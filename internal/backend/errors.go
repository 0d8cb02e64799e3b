package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a backend failure.
type Kind int

const (
	KindBackend         Kind = iota // Transient backend failure, retried up to max attempts
	KindTimeout                     // No response within the task budget
	KindRateLimited                 // Retried with backoff on the same agent
	KindInvalidResponse             // Content failure, never penalizes the agent
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "backend_error"
	}
}

// Sentinels for errors.Is checks against *Error values.
var (
	ErrBackend         = errors.New("backend error")
	ErrTimeout         = errors.New("backend timeout")
	ErrRateLimited     = errors.New("backend rate limited")
	ErrInvalidResponse = errors.New("invalid backend response")
)

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBackend:
		return e.Kind == KindBackend
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrInvalidResponse:
		return e.Kind == KindInvalidResponse
	}
	return false
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify maps any error returned by a backend to a Kind.
// Unclassified errors are treated as transient backend errors, deadline
// errors as timeouts.
func Classify(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if IsRateLimit(err) {
		return KindRateLimited
	}
	return KindBackend
}

// IsMalfunction reports whether a failure of this kind says something about
// the agent rather than about the task content.
func IsMalfunction(k Kind) bool {
	return k == KindBackend || k == KindTimeout
}

// IsRateLimit reports whether an error message carries a rate limit marker.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	return hasRateLimitMarker(err.Error())
}

// statusTooManyRequests matches 429 as a standalone status code, not as part
// of a longer number.
var statusTooManyRequests = regexp.MustCompile(`\b429\b`)

func hasRateLimitMarker(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		statusTooManyRequests.MatchString(msg)
}
