package forwarder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSet keeps one circuit breaker per tenant so a dead endpoint only
// slows down its own tenant's deliveries.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	failures uint32
	open     time.Duration
}

func NewBreakerSet(consecutiveFailures uint32, openFor time.Duration) *BreakerSet {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		failures: consecutiveFailures,
		open:     openFor,
	}
}

func (b *BreakerSet) Get(tenantID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[tenantID]; ok {
		return cb
	}
	threshold := b.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tenantID,
		MaxRequests: 1,
		Timeout:     b.open,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("tenant webhook breaker state change", "tenant_id", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[tenantID] = cb
	return cb
}

// OpenFor is how long a tripped breaker rejects calls.
func (b *BreakerSet) OpenFor() time.Duration { return b.open }
