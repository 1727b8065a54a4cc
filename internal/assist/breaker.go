package assist

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

// BreakerState is the circuit breaker position for one provider.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// Breaker shields a provider behind a circuit: consecutive failures open
// it, and after the open window a single probe request decides whether it
// closes again.
type Breaker struct {
	name      string
	threshold int
	openFor   time.Duration
	now       func() time.Time
	log       *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a closed breaker for the named provider.
func NewBreaker(name string, threshold int, openFor time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		openFor:   openFor,
		now:       now,
		log:       logger.WithModule("assist.breaker"),
	}
	b.gauge()
	return b
}

// Allow reports whether a request may proceed. In the half-open state only
// one probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// Failure counts a failed request. The breaker opens at the threshold, and
// a failed half-open probe re-opens it immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next BreakerState) {
	prev := b.state
	b.state = next
	b.gauge()
	b.log.Info("breaker state changed",
		zap.String("provider", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
}

func (b *Breaker) gauge() {
	var value float64
	switch b.state {
	case BreakerHalfOpen:
		value = 1
	case BreakerOpen:
		value = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(value)
}
