// Package ratelimit provides fixed-window limiters keyed by an arbitrary
// string (client IP, IP+email, ...).
package ratelimit

import (
	"context"
	"time"
)

// Limiter reports whether one more event for key is allowed at now and, if
// not, how long until the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
