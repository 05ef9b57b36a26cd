// Package dispatch is the load-bearing request router: it resolves a model
// to a candidate endpoint set, admits the request past the backpressure
// queue, forwards it upstream (streaming or unary), and records the outcome
// for failure accounting and the audit log, per §4.4.
package dispatch

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/audit"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
)

// Dispatcher ties the registry, model catalog, admission queue, per-model
// exclusion set, and per-endpoint circuit breakers into the single request
// path described by §4.4.7's state machine.
type Dispatcher struct {
	store      *registry.Store
	catalog    catalogLookup
	exclusions *ExclusionSet
	load       *LoadTracker
	admission  *Admission
	breakers   *BreakerRegistry
	audit      *audit.Writer
	metrics    *metrics.Collector

	client          *httpDoer
	upstreamTimeout time.Duration
	mode            string
	roundRobin      atomic.Uint64

	logger *zap.Logger
}

// New builds a Dispatcher from RouterConfig. auditWriter and metricsCollector
// may be nil (audit/metrics become no-ops); catalog must not be nil.
func New(store *registry.Store, cat catalogLookup, auditWriter *audit.Writer, metricsCollector *metrics.Collector, cfg config.RouterConfig, logger *zap.Logger) *Dispatcher {
	queueTimeout := cfg.QueueTimeout
	upstreamTimeout := cfg.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = 120 * time.Second
	}

	tracker := NewLoadTracker()
	d := &Dispatcher{
		store:           store,
		catalog:         cat,
		exclusions:      NewExclusionSet(cfg.MaxFailuresBeforeExclude, cfg.ExclusionCooldown),
		load:            tracker,
		admission:       NewAdmission(tracker, cfg.QueueMax, queueTimeout),
		breakers:        NewBreakerRegistry(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, upstreamTimeout, logger),
		audit:           auditWriter,
		metrics:         metricsCollector,
		client:          &httpDoer{http: tlsutil.SecureHTTPClient(upstreamTimeout)},
		upstreamTimeout: upstreamTimeout,
		mode:            cfg.Mode,
		logger:          logger.With(zap.String("component", "dispatch")),
	}
	return d
}

// ClearExclusions clears every model exclusion recorded against endpointID.
// Exported so catalog.Catalog can call it as its recovery-resync hook
// (§4.4.5 trigger (b)) without dispatch depending on catalog.
func (d *Dispatcher) ClearExclusions(endpointID string) {
	d.exclusions.ClearEndpoint(endpointID)
}

// WatchRegistry clears an endpoint's model exclusions whenever it is
// re-registered or updated (§4.4.5 trigger (a)).
func (d *Dispatcher) WatchRegistry(bus *registry.Bus) {
	id, changes := bus.Subscribe()
	go func() {
		for change := range changes {
			if change.Kind == registry.ChangeUpdated {
				d.exclusions.ClearEndpoint(change.Endpoint.ID)
			}
		}
		bus.Unsubscribe(id)
	}()
}
