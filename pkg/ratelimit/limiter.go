package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/lcanady/backr-sub001/pkg/models"
)

var (
	ErrInvalidConfig = errors.New("rate limit policy requires limit > 0 and window > 0")
	ErrExceeded      = errors.New("rate limit exceeded")
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Configure(op models.OperationID, limit int, window time.Duration) error
	CheckAndConsume(op models.OperationID, now time.Time) (Decision, error)
	Policy(op models.OperationID) (models.RateLimitPolicy, bool)
}

// InMemoryLimiter keeps one fixed-window counter per configured
// operation. Operations with no policy are unguarded and always admit.
type InMemoryLimiter struct {
	mu       sync.Mutex
	policies map[models.OperationID]models.RateLimitPolicy
	counters map[models.OperationID]window
}

type window struct {
	start time.Time
	count int
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{
		policies: map[models.OperationID]models.RateLimitPolicy{},
		counters: map[models.OperationID]window{},
	}
}

// Configure sets or overwrites the policy for op and resets its counter.
func (l *InMemoryLimiter) Configure(op models.OperationID, limit int, windowDur time.Duration) error {
	if limit <= 0 || windowDur <= 0 {
		return ErrInvalidConfig
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[op] = models.RateLimitPolicy{Operation: op, Limit: limit, Window: windowDur}
	delete(l.counters, op)
	return nil
}

// CheckAndConsume admits or denies one attempt against op's fixed window.
// A denial leaves the counter untouched: only admitted attempts consume
// quota. Not idempotent; call exactly once per guarded attempt.
func (l *InMemoryLimiter) CheckAndConsume(op models.OperationID, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pol, ok := l.policies[op]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	curr, ok := l.counters[op]
	if !ok || now.Sub(curr.start) >= pol.Window {
		curr = window{start: now, count: 0}
	}
	if curr.count >= pol.Limit {
		return Decision{
			Allowed: false,
			Count:   curr.count,
			Limit:   pol.Limit,
			ResetAt: curr.start.Add(pol.Window),
		}, ErrExceeded
	}
	curr.count++
	l.counters[op] = curr
	return Decision{
		Allowed:   true,
		Count:     curr.count,
		Limit:     pol.Limit,
		Remaining: pol.Limit - curr.count,
		ResetAt:   curr.start.Add(pol.Window),
	}, nil
}

func (l *InMemoryLimiter) Policy(op models.OperationID) (models.RateLimitPolicy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pol, ok := l.policies[op]
	return pol, ok
}

// Count exposes the live counter for op, for tests and the metrics snapshot.
func (l *InMemoryLimiter) Count(op models.OperationID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[op].count
}
