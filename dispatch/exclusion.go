package dispatch

import (
	"sync"
	"time"
)

// exclusionKey identifies one (endpoint, model) pairing in the exclusion set.
type exclusionKey struct {
	endpointID string
	model      string
}

// ExclusionSet tracks which (endpoint, model) pairs are temporarily removed
// from the candidate set after repeated inference failures, per §4.4.5. It
// is monotonic within a cooldown window: only a fresh registration/update, a
// post-recovery catalog resync, or cooldown expiry clears an entry — a lone
// successful request for a still-excluded pair does not (the endpoint
// already isn't being selected for it).
type ExclusionSet struct {
	mu          sync.Mutex
	failures    map[exclusionKey]int
	excludedAt  map[exclusionKey]time.Time
	maxFailures int
	cooldown    time.Duration
}

// NewExclusionSet builds an ExclusionSet. maxFailures<=0 defaults to 3;
// cooldown<=0 means exclusions never expire on their own and persist until
// explicitly cleared.
func NewExclusionSet(maxFailures int, cooldown time.Duration) *ExclusionSet {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &ExclusionSet{
		failures:    make(map[exclusionKey]int),
		excludedAt:  make(map[exclusionKey]time.Time),
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// RecordFailure registers one inference failure for (endpointID, model). The
// pair becomes excluded once consecutive failures reach maxFailures.
func (s *ExclusionSet) RecordFailure(endpointID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := exclusionKey{endpointID, model}
	s.failures[k]++
	if s.failures[k] >= s.maxFailures {
		s.excludedAt[k] = time.Now()
	}
}

// RecordSuccess resets the consecutive-failure counter for a pair that is
// still eligible (not yet excluded); it does not itself clear an exclusion.
func (s *ExclusionSet) RecordSuccess(endpointID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, exclusionKey{endpointID, model})
}

// IsExcluded reports whether (endpointID, model) is currently excluded,
// lazily expiring the entry once the configured cooldown has elapsed.
func (s *ExclusionSet) IsExcluded(endpointID, model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := exclusionKey{endpointID, model}
	at, ok := s.excludedAt[k]
	if !ok {
		return false
	}
	if s.cooldown > 0 && time.Since(at) > s.cooldown {
		delete(s.excludedAt, k)
		delete(s.failures, k)
		return false
	}
	return true
}

// ClearEndpoint removes every exclusion and failure count for endpointID,
// regardless of model — the re-registration/update and post-recovery resync
// triggers from §4.4.5.
func (s *ExclusionSet) ClearEndpoint(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.excludedAt {
		if k.endpointID == endpointID {
			delete(s.excludedAt, k)
		}
	}
	for k := range s.failures {
		if k.endpointID == endpointID {
			delete(s.failures, k)
		}
	}
}
