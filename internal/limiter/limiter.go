// Package limiter throttles relay deliveries per sender.
package limiter

import (
	"context"
	"time"
)

// Limiter decides whether a sender may deliver another envelope.
type Limiter interface {
	// Allow counts one attempt for key and reports whether it is within budget.
	// When it is not, retryAfter is the time left in the current window.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }
