// Package cooldown enforces the minimum wait between successive paid orders
// for the same phone number and product type.
package cooldown

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
)

// DefaultWindow is the cooldown applied when none is configured.
const DefaultWindow = 20 * time.Minute

// ProductDataBundle is the only product type subject to cooldown.
const ProductDataBundle = "data_bundle"

// Repository finds the creation time of the most recent paid order that
// involves the phone either as the primary contact or as a recipient.
type Repository interface {
	LatestPaidOrderTime(ctx context.Context, phone, productType string) (time.Time, bool, error)
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed bool
	// RetryAfter is the exact remaining wait.
	RetryAfter time.Duration
	// Minutes is RetryAfter rounded up to whole minutes for user messaging.
	Minutes int
}

// RetryAfterSeconds is the wait reported to clients, in whole minutes.
func (d Decision) RetryAfterSeconds() int {
	return d.Minutes * 60
}

// Guard checks cooldowns against paid orders only, so an abandoned or failed
// payment never blocks a retry.
type Guard struct {
	repo   Repository
	window time.Duration
	now    func() time.Time
}

// NewGuard creates a Guard. A non-positive window falls back to DefaultWindow.
func NewGuard(repo Repository, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{repo: repo, window: window, now: time.Now}
}

// Check expects an already normalized phone.
func (g *Guard) Check(ctx context.Context, phone, productType string) (Decision, error) {
	if productType != ProductDataBundle {
		return Decision{Allowed: true}, nil
	}

	last, found, err := g.repo.LatestPaidOrderTime(ctx, phone, productType)
	if err != nil {
		return Decision{}, errors.Wrap(err, "latest paid order")
	}
	if !found {
		return Decision{Allowed: true}, nil
	}

	elapsed := g.now().Sub(last)
	if elapsed >= g.window {
		return Decision{Allowed: true}, nil
	}

	remaining := g.window - elapsed
	return Decision{
		Allowed:    false,
		RetryAfter: remaining,
		Minutes:    int(math.Ceil(remaining.Minutes())),
	}, nil
}
