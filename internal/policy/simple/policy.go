// Package simple contains permissive policy implementations.
package simple

import "context"

// Unlimited paces nothing; it is used when rate limiting is disabled.
type Unlimited struct{}

// New creates an Unlimited limiter.
func New() Unlimited {
	return Unlimited{}
}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
