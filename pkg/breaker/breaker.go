package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/lcanady/backr-sub001/pkg/models"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrNotPaused   = errors.New("circuit breaker is not paused")
)

// Breaker is the global kill-switch. While paused it blocks every
// guarded operation regardless of quota or approvals.
type Breaker struct {
	mu    sync.RWMutex
	state models.BreakerState
}

func New() *Breaker {
	return &Breaker{}
}

// Trigger opens the breaker. Triggering while already paused updates the
// reason and timestamp without error.
func (b *Breaker) Trigger(reason string, now time.Time) models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = models.BreakerState{Paused: true, Reason: reason, TriggeredAt: now}
	return b.state
}

// Resolve closes the breaker. Resolving an active breaker is an error;
// callers should treat ErrNotPaused as a stale view of the state.
func (b *Breaker) Resolve() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Paused {
		return ErrNotPaused
	}
	b.state = models.BreakerState{}
	return nil
}

// RequireActive is the guard check composed ahead of every other guard.
func (b *Breaker) RequireActive() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state.Paused {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) State() models.BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
