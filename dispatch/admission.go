package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/llmlb/llmlb/types"
)

// LoadTracker keeps each endpoint's locally-observed in-flight request count
// — the dispatcher's capacity proxy, since neither spec.md nor SPEC_FULL.md
// pins a concrete definition beyond "implementation-defined": an endpoint
// has spare capacity exactly when it has zero requests currently dispatched
// through it. It also exposes a broadcast-on-change signal so Admission can
// wake every waiter as soon as any candidate frees up, instead of polling.
type LoadTracker struct {
	mu     sync.Mutex
	active map[string]int
	notify chan struct{}
}

// NewLoadTracker builds an empty LoadTracker.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{active: make(map[string]int), notify: make(chan struct{})}
}

// Inc marks one more request dispatched to endpointID.
func (t *LoadTracker) Inc(endpointID string) {
	t.mu.Lock()
	t.active[endpointID]++
	t.mu.Unlock()
}

// Dec marks one request as completed for endpointID and wakes any admission
// waiters blocked on a candidate set that might now include it.
func (t *LoadTracker) Dec(endpointID string) {
	t.mu.Lock()
	if t.active[endpointID] > 0 {
		t.active[endpointID]--
	}
	old := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

// Active returns endpointID's current locally-tracked in-flight count. A
// non-nil override (an endpoint-reported active_requests figure from its
// own health/GPU telemetry) takes precedence over the local counter when
// present, per the Open Question resolution in DESIGN.md.
func (t *LoadTracker) Active(endpointID string, override *int) int {
	if override != nil {
		return *override
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[endpointID]
}

func (t *LoadTracker) watch() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// ErrQueueFull and ErrAdmissionTimeout are returned by Admission.Wait;
// callers map them to the 429/504 responses §4.4.3 specifies.
var (
	ErrQueueFull        = types.NewRateLimitError("Request queue is full").WithCode("queue_full")
	ErrAdmissionTimeout = types.NewGatewayTimeoutError("timed out waiting for an available endpoint").WithCode("queue_timeout")
)

// Admission implements the §4.4.3 admission algorithm on top of a
// LoadTracker: admit immediately when a candidate has spare capacity,
// else queue up to queueMax waiters for up to queueTimeout, else reject.
//
// This is a purpose-built gate rather than a reuse of
// internal/pool.GoroutinePool: that pool's queue length isn't a hard bound
// (trySpawnWorker grows the worker count instead of queueing), and its
// submit-vs-cancel select is racy under simultaneous readiness — neither
// property holds up against the deterministic queue_max=0/queue_timeout=0
// boundary scenarios this gate must satisfy exactly.
type Admission struct {
	tracker      *LoadTracker
	queueMax     int
	queueTimeout time.Duration

	mu      sync.Mutex
	waiting int
}

// NewAdmission builds an Admission gate bound to tracker.
func NewAdmission(tracker *LoadTracker, queueMax int, queueTimeout time.Duration) *Admission {
	return &Admission{tracker: tracker, queueMax: queueMax, queueTimeout: queueTimeout}
}

// candidate pairs a candidate endpoint id with its tracker override, if any.
type candidate struct {
	ID       string
	Override *int
}

// Wait blocks until one of candidates has spare capacity, the admission
// queue is full (ErrQueueFull), or queueTimeout elapses while queued
// (ErrAdmissionTimeout). On success it returns the elapsed wait duration,
// zero when admitted immediately, for the X-Queue-Wait-Ms header.
func (a *Admission) Wait(ctx context.Context, candidates []candidate) (time.Duration, error) {
	if spare(a.tracker, candidates) {
		return 0, nil
	}

	a.mu.Lock()
	if a.waiting >= a.queueMax {
		a.mu.Unlock()
		return 0, ErrQueueFull
	}
	a.waiting++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.waiting--
		a.mu.Unlock()
	}()

	start := time.Now()
	timer := time.NewTimer(a.queueTimeout)
	defer timer.Stop()

	for {
		if spare(a.tracker, candidates) {
			return time.Since(start), nil
		}
		notify := a.tracker.watch()
		select {
		case <-ctx.Done():
			return time.Since(start), ErrAdmissionTimeout
		case <-timer.C:
			return time.Since(start), ErrAdmissionTimeout
		case <-notify:
			// a candidate's load changed; loop around and recheck
		}
	}
}

func spare(tracker *LoadTracker, candidates []candidate) bool {
	for _, c := range candidates {
		if tracker.Active(c.ID, c.Override) == 0 {
			return true
		}
	}
	return false
}
