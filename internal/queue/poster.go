package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypeloop/postflow/internal/domain"
)

// Poster performs the platform-specific publish action for one item.
// The queue treats it as opaque: it only interprets the returned error's
// classification.
type Poster interface {
	Platform() domain.Platform
	Post(ctx context.Context, item *domain.QueueItem) error
}

// Registry resolves posters by platform.
type Registry struct {
	posters map[domain.Platform]Poster
}

// NewRegistry creates a poster registry.
func NewRegistry(posters ...Poster) *Registry {
	m := make(map[domain.Platform]Poster, len(posters))
	for _, p := range posters {
		m[p.Platform()] = p
	}
	return &Registry{posters: m}
}

// Get returns the poster for a platform.
func (r *Registry) Get(platform domain.Platform) (Poster, bool) {
	p, ok := r.posters[platform]
	return p, ok
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewFatalError creates a non-retryable error (invalid credentials,
// content rejected by the platform, account suspended).
func NewFatalError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable. Unknown errors default
// to retryable: eventual success bounded by the attempt cap beats
// failing permanently on a transient blip.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// RateLimitError signals that the platform itself rejected the post for
// rate-limiting reasons, distinct from the local limiter's windows.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform rate limit, retry after %s", e.RetryAfter)
}

// asRateLimit extracts a platform rate-limit signal from an error chain.
func asRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
