package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/internal/circuitbreaker"
)

// BreakerRegistry lazily creates and caches one circuit breaker per endpoint.
// Breaker state is additive to, and independent of, per-model exclusion: a
// tripped breaker drops an endpoint from every model's candidate set, while
// an exclusion only drops it for the one model that kept failing.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker
	cfg      *circuitbreaker.Config
	logger   *zap.Logger
}

// NewBreakerRegistry builds a registry. threshold<=0 or resetTimeout<=0 fall
// back to circuitbreaker.DefaultConfig's values; callTimeout bounds how long
// a single wrapped call (upstream connect + header read, never a full
// streamed body) may take before it counts as a failure.
func NewBreakerRegistry(threshold int, resetTimeout, callTimeout time.Duration, logger *zap.Logger) *BreakerRegistry {
	cfg := circuitbreaker.DefaultConfig()
	if threshold > 0 {
		cfg.Threshold = threshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	if callTimeout > 0 {
		cfg.Timeout = callTimeout
	}
	return &BreakerRegistry{breakers: make(map[string]circuitbreaker.CircuitBreaker), cfg: cfg, logger: logger}
}

// Get returns endpointID's breaker, creating it on first use.
func (r *BreakerRegistry) Get(endpointID string) circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpointID]
	if !ok {
		b = circuitbreaker.NewCircuitBreaker(r.cfg, r.logger)
		r.breakers[endpointID] = b
	}
	return b
}

// Open reports whether endpointID's breaker currently blocks calls — used to
// drop a candidate during selection even when it isn't model-excluded.
func (r *BreakerRegistry) Open(endpointID string) bool {
	r.mu.Lock()
	b, ok := r.breakers[endpointID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return b.State() == circuitbreaker.StateOpen
}
