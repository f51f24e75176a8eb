package utils

import (
	"context"
	"time"
)

const (
	// ShortTimeout bounds readiness checks and rate limiter round trips
	ShortTimeout = 2 * time.Second

	// CleanupTimeout bounds work that must finish after the caller is gone,
	// such as compensating deletes and connection shutdown.
	CleanupTimeout = 10 * time.Second
)

// WithShortTimeout creates a context with short timeout for quick operations
func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// Detached keeps parent's values but not its cancellation, bounded by CleanupTimeout
func Detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), CleanupTimeout)
}
