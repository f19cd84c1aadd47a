// Package ratebudget enforces the hourly request budget configured on a
// source-matrix candidate (§4.4's RequestBudget) plus a short in-process
// smoothing limiter so a connector run doesn't burst an entire hour's
// allowance into its first second.
package ratebudget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Allow reports whether a candidate with the given hourly budget can make
// one more request, given usedThisHour already recorded in the current
// UTC clock hour. A budget of 0 or less means unlimited.
func Allow(budget, usedThisHour int) bool {
	if budget <= 0 {
		return true
	}
	return usedThisHour < budget
}

// Remaining returns how many requests are left in the current hour. It
// returns -1 for an unlimited budget.
func Remaining(budget, usedThisHour int) int {
	if budget <= 0 {
		return -1
	}
	left := budget - usedThisHour
	if left < 0 {
		return 0
	}
	return left
}

// Smoother rate-limits requests within the hour so a budget of, say, 120
// doesn't get spent in the first few seconds after a restart. It is
// in-process only; the persisted hourly counter in storage.SourceStateStore
// remains the source of truth for whether budget is exhausted.
type Smoother struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSmoother returns an empty Smoother.
func NewSmoother() *Smoother {
	return &Smoother{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a token is available for (connectorName, sourceKey)
// under the given hourly budget, or ctx is done. A non-positive budget
// disables smoothing for that key.
func (s *Smoother) Wait(ctx context.Context, connectorName, sourceKey string, budget int) error {
	if budget <= 0 {
		return nil
	}
	return s.limiterFor(connectorName, sourceKey, budget).Wait(ctx)
}

func (s *Smoother) limiterFor(connectorName, sourceKey string, budget int) *rate.Limiter {
	key := connectorName + "|" + sourceKey
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[key]
	if !ok {
		every := time.Hour / time.Duration(budget)
		burst := budget / 20
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(every), burst)
		s.limiters[key] = lim
	}
	return lim
}
