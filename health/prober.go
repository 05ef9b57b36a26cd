// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/detect"
	"github.com/llmlb/llmlb/internal/pool"
	"github.com/llmlb/llmlb/internal/retry"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// Prober runs the background sweep that keeps registry.Store's endpoint
// status current, per component design §4.3.
type Prober struct {
	store   *registry.Store
	bus     *registry.Bus
	client  *http.Client
	pool    *pool.GoroutinePool
	retryer retry.Retryer
	logger  *zap.Logger

	checkInterval time.Duration
	retention     time.Duration
	purgeInterval time.Duration

	mu       sync.Mutex
	lastRun  map[string]time.Time
	subID    int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Config controls the prober's sweep cadence and concurrency.
type Config struct {
	CheckInterval       time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int
	HistoryRetention    time.Duration
	PurgeInterval       time.Duration
}

// NewProber builds a Prober bound to store. Call Start to begin sweeping.
func NewProber(store *registry.Store, bus *registry.Bus, cfg Config, logger *zap.Logger) *Prober {
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 16
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = detect.DefaultProbeTimeout
	}
	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.MaxWorkers = cfg.MaxConcurrentProbes
	return &Prober{
		store:  store,
		bus:    bus,
		client: tlsutil.SecureHTTPClient(cfg.ProbeTimeout),
		pool:   pool.NewGoroutinePool(poolCfg),
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   1,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		}, logger),
		logger:        logger,
		checkInterval: cfg.CheckInterval,
		retention:     cfg.HistoryRetention,
		purgeInterval: cfg.PurgeInterval,
		lastRun:       make(map[string]time.Time),
	}
}

// Start runs one immediate sweep over every endpoint, then begins the
// ticker-driven steady-state loop. It returns once the startup sweep's
// probes are submitted to the pool; they and the steady-state loop run in
// the background until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.sweep(p.ctx)

	subID, changes := p.bus.Subscribe()
	p.subID = subID

	p.wg.Add(2)
	go p.sweepLoop()
	go p.reprobeLoop(changes)

	if p.purgeInterval > 0 && p.retention > 0 {
		p.wg.Add(1)
		go p.purgeLoop()
	}
}

// Stop ends the background loops and drains the probe pool.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.bus.Unsubscribe(p.subID)
	p.wg.Wait()
	p.pool.Close()
}

func (p *Prober) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep(p.ctx)
		}
	}
}

// reprobeLoop forces an out-of-cycle probe whenever the registry publishes a
// Reprobe-worthy change (base_url edit, manual type override, or a forced
// check() call going through Update first).
func (p *Prober) reprobeLoop(changes <-chan registry.Change) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Reprobe {
				p.probeOne(p.ctx, c.Endpoint.ID)
			}
		}
	}
}

func (p *Prober) purgeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.retention)
			n, err := p.store.PurgeHealthHistory(cutoff)
			if err != nil {
				p.logger.Warn("health history purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Info("purged stale health history", zap.Int64("rows", n))
			}
		}
	}
}

// sweep probes every endpoint due for a check, bounded by the goroutine pool
// so one hung upstream never delays the rest of the fleet.
func (p *Prober) sweep(ctx context.Context) {
	endpoints := p.store.List(registry.Filter{})
	now := time.Now()

	for _, e := range endpoints {
		if !p.due(e, now) {
			continue
		}
		id := e.ID
		err := p.pool.Submit(ctx, func(taskCtx context.Context) error {
			p.probeOne(taskCtx, id)
			return nil
		})
		if err != nil {
			p.logger.Warn("probe submission dropped", zap.String("endpoint_id", id), zap.Error(err))
		}
	}
}

func (p *Prober) due(e types.Endpoint, now time.Time) bool {
	interval := time.Duration(e.HealthCheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = p.checkInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastRun[e.ID]
	if ok && now.Sub(last) < interval {
		return false
	}
	p.lastRun[e.ID] = now
	return true
}

// Check forces one probe tick for a single endpoint, independent of its
// normal schedule. Used by the management API's manual test operation.
func (p *Prober) Check(ctx context.Context, id string) error {
	if _, ok := p.store.Get(id); !ok {
		return types.NewNotFoundError("endpoint not found")
	}
	p.probeOne(ctx, id)
	return nil
}

// probeOne tries the endpoint's native health path first, falling back to
// GET /v1/models when the dialect has none or the native path fails.
func (p *Prober) probeOne(ctx context.Context, id string) {
	e, ok := p.store.Get(id)
	if !ok {
		return
	}

	start := time.Now()
	// The probe is idempotent (a plain GET), so one transient transport
	// failure is retried before the endpoint is marked down.
	statusErr := p.retryer.Do(ctx, func() error {
		ok, err := p.probeHTTP(ctx, *e)
		if !ok {
			if err == nil {
				err = fmt.Errorf("probe failed")
			}
			return err
		}
		return nil
	})
	latency := time.Since(start).Milliseconds()

	if statusErr != nil {
		if _, err := p.store.RecordProbe(id, false, 0, statusErr.Error(), nil); err != nil {
			p.logger.Warn("failed to record probe failure", zap.String("endpoint_id", id), zap.Error(err))
		}
		return
	}

	if _, err := p.store.RecordProbe(id, true, latency, "", nil); err != nil {
		p.logger.Warn("failed to record probe success", zap.String("endpoint_id", id), zap.Error(err))
		return
	}

	if e.Type == types.EndpointUnknown {
		result := detect.Detect(ctx, e.BaseURL, e.APIKey)
		if result.Outcome == detect.OutcomeMatched {
			if err := p.store.UpgradeType(id, result.Type); err != nil {
				p.logger.Warn("failed to upgrade endpoint type", zap.String("endpoint_id", id), zap.Error(err))
			}
		}
	}
}

// probeHTTP issues the health check itself and reports success/failure.
func (p *Prober) probeHTTP(ctx context.Context, e types.Endpoint) (bool, error) {
	path := detect.HealthPath(e.Type)
	if path == "" {
		path = "/v1/models"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+path, nil)
	if err != nil {
		return false, err
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if path != "/v1/models" {
			return p.probeFallback(ctx, e)
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return true, nil
	}
	if path != "/v1/models" {
		return p.probeFallback(ctx, e)
	}
	return false, fmt.Errorf("health probe returned status %d", resp.StatusCode)
}

func (p *Prober) probeFallback(ctx context.Context, e types.Endpoint) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/v1/models", nil)
	if err != nil {
		return false, err
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return true, nil
	}
	return false, fmt.Errorf("health probe returned status %d", resp.StatusCode)
}
