// Package catalog maintains the per-endpoint model list (§4.6) and the
// aggregated /v1/models view the dispatcher resolves requests against.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/internal/cache"
	"github.com/llmlb/llmlb/internal/pool"
	"github.com/llmlb/llmlb/internal/retry"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// cacheTTL bounds how long the aggregate /v1/models view is served from
// Redis before the next read recomputes it from the registry's rows.
const cacheTTL = 30 * time.Second

const aggregateCacheKey = "llmlb:catalog:aggregate"

// Cache is the subset of internal/cache.Manager the catalog depends on, kept
// as an interface so tests can run without a Redis instance and so a nil
// cache degrades to registry-only reads per SPEC_FULL.md §6.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Model is one row of the aggregated /v1/models response.
type Model struct {
	ID           string          `json:"id"`
	MaxTokens    *int            `json:"max_tokens"`
	Capabilities types.StringSet `json:"capabilities"`
	Endpoints    []string        `json:"endpoint_ids"`
}

// Catalog owns EndpointModel rows and the Redis-accelerated aggregate view.
// The registry row set is always the source of truth; the cache is a hot-path
// accelerator for the read-heavy /v1/models surface.
type Catalog struct {
	db      *gorm.DB
	store   *registry.Store
	cache   Cache
	client  *http.Client
	pool    *pool.GoroutinePool
	retryer retry.Retryer
	logger  *zap.Logger

	mu               sync.Mutex
	recoverySyncHook func(endpointID string)
}

// New builds a Catalog. cacheMgr may be nil, in which case every read goes
// straight to the relational store.
func New(db *gorm.DB, store *registry.Store, cacheMgr *cache.Manager, logger *zap.Logger) (*Catalog, error) {
	if err := db.AutoMigrate(&types.EndpointModel{}); err != nil {
		return nil, err
	}
	var c Cache
	if cacheMgr != nil {
		c = cacheMgr
	}
	return &Catalog{
		db:     db,
		store:  store,
		cache:  c,
		client: tlsutil.SecureHTTPClient(10 * time.Second),
		pool:   pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 64, IdleTimeout: time.Minute}),
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		}, logger),
		logger: logger.With(zap.String("component", "catalog")),
	}, nil
}

// WatchRecoveries subscribes to bus and resyncs an endpoint's catalog rows
// whenever it transitions back to online, per §4.6's "recovery from offline
// to online" sync trigger. Runs until ctx is cancelled.
func (c *Catalog) WatchRecoveries(ctx context.Context, bus *registry.Bus) {
	id, changes := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Kind != registry.ChangeStatusChanged || change.Endpoint.Status != types.StatusOnline {
					continue
				}
				epID := change.Endpoint.ID
				submitErr := c.pool.Submit(ctx, func(taskCtx context.Context) error {
					if syncErr := c.Sync(taskCtx, epID); syncErr != nil {
						return syncErr
					}
					c.mu.Lock()
					hook := c.recoverySyncHook
					c.mu.Unlock()
					if hook != nil {
						hook(epID)
					}
					return nil
				})
				if submitErr != nil {
					c.logger.Warn("catalog resync on recovery dropped", zap.String("endpoint_id", epID), zap.Error(submitErr))
				}
			}
		}
	}()
}

// Close releases the catalog's background worker pool.
func (c *Catalog) Close() { c.pool.Close() }

// SetRecoverySyncHook registers a callback invoked after a recovery-triggered
// resync (see WatchRecoveries) completes successfully for an endpoint. The
// dispatcher uses this to clear that endpoint's model exclusions per §4.4.5's
// "post-recovery catalog resync" trigger, once its model list is known-good
// again rather than the instant it merely comes back online.
func (c *Catalog) SetRecoverySyncHook(hook func(endpointID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoverySyncHook = hook
}

// upstreamModelsPath is the GET path used to list models for every dialect;
// every descriptor in detect.go also answers /v1/models (it is §4.2's own
// OpenAI-compatible fallback probe), so one path suffices here.
const upstreamModelsPath = "/v1/models"

type upstreamModelRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MaxTokens *int   `json:"max_tokens"`
	Vision    bool   `json:"vision"`
}

type upstreamModelsResponse struct {
	Data   []upstreamModelRecord `json:"data"`
	Models []upstreamModelRecord `json:"models"` // Ollama's /api/tags shape, tolerated here too
}

// Sync refreshes endpointID's EndpointModel rows from its live /v1/models
// response: the row set is fully replaced (delete-all then insert), per
// §4.6. It invalidates the aggregate cache on success.
func (c *Catalog) Sync(ctx context.Context, endpointID string) error {
	ep, ok := c.store.Get(endpointID)
	if !ok {
		return types.NewNotFoundError("endpoint not found")
	}

	var payload upstreamModelsResponse
	fetchErr := c.retryer.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+upstreamModelsPath, nil)
		if reqErr != nil {
			return reqErr
		}
		if ep.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+ep.APIKey)
		}

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		payload = upstreamModelsResponse{}
		return json.NewDecoder(resp.Body).Decode(&payload)
	})
	if fetchErr != nil {
		return types.NewBadGatewayError("endpoint did not return a usable model list").WithCause(fetchErr)
	}

	records := payload.Data
	if len(records) == 0 {
		records = payload.Models
	}

	now := time.Now()
	rows := make([]types.EndpointModel, 0, len(records))
	for _, rec := range records {
		modelID := rec.ID
		if modelID == "" {
			modelID = rec.Name
		}
		if modelID == "" {
			continue
		}
		caps := types.StringSet{}
		if rec.Vision {
			caps = types.NewStringSet("image_understanding")
		}
		rows = append(rows, types.EndpointModel{
			EndpointID:    endpointID,
			ModelID:       modelID,
			SupportedAPIs: types.NewStringSet(string(types.APIChatCompletions)),
			Capabilities:  caps,
			MaxTokens:     rec.MaxTokens,
			LastChecked:   now,
		})
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if delErr := tx.Where("endpoint_id = ?", endpointID).Delete(&types.EndpointModel{}).Error; delErr != nil {
			return delErr
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return types.NewServerError("failed to persist catalog sync").WithCause(err)
	}

	c.invalidate(ctx)
	return nil
}

// Download requests that an xllm-type endpoint pull a model into its local
// cache. Only xllm endpoints support this per §6; every other type is
// rejected with invalid_request_error.
func (c *Catalog) Download(ctx context.Context, endpointID, model string) (string, error) {
	ep, ok := c.store.Get(endpointID)
	if !ok {
		return "", types.NewNotFoundError("endpoint not found")
	}
	if ep.Type != types.EndpointXLLM {
		return "", types.NewInvalidRequestError("model download is only supported on xllm endpoints")
	}

	body, _ := json.Marshal(map[string]string{"model": model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/api/models/download", strings.NewReader(string(body)))
	if err != nil {
		return "", types.NewServerError("failed to build download request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", types.NewBadGatewayError("endpoint did not accept the download request").WithCause(err)
	}
	defer resp.Body.Close()

	var parsed struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	if parsed.TaskID == "" {
		parsed.TaskID = uuid.NewString()
	}
	return parsed.TaskID, nil
}

// Lookup returns the ids of every endpoint that currently advertises
// modelID, regardless of status — §4.4.1's "known to any endpoint" check.
func (c *Catalog) Lookup(ctx context.Context, modelID string) ([]string, error) {
	var rows []types.EndpointModel
	if err := c.db.WithContext(ctx).Where("model_id = ?", modelID).Find(&rows).Error; err != nil {
		return nil, types.NewServerError("failed to query model catalog").WithCause(err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.EndpointID)
	}
	return ids, nil
}

// List returns the deduplicated aggregate model view for GET /v1/models,
// serving from cache when available and falling back to a fresh registry
// read otherwise.
func (c *Catalog) List(ctx context.Context) ([]Model, error) {
	if c.cache != nil {
		var cached []Model
		if err := c.cache.GetJSON(ctx, aggregateCacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	var rows []types.EndpointModel
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, types.NewServerError("failed to query model catalog").WithCause(err)
	}

	byModel := make(map[string]*Model, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		m, ok := byModel[r.ModelID]
		if !ok {
			m = &Model{ID: r.ModelID, Capabilities: types.StringSet{}}
			byModel[r.ModelID] = m
			order = append(order, r.ModelID)
		}
		m.Endpoints = append(m.Endpoints, r.EndpointID)
		if r.MaxTokens != nil {
			m.MaxTokens = r.MaxTokens
		}
		for cap := range r.Capabilities {
			m.Capabilities[cap] = struct{}{}
		}
	}

	sort.Strings(order)
	out := make([]Model, 0, len(order))
	for _, id := range order {
		out = append(out, *byModel[id])
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, aggregateCacheKey, out, cacheTTL); err != nil {
			c.logger.Warn("failed to populate catalog cache", zap.Error(err))
		}
	}

	return out, nil
}

func (c *Catalog) invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, aggregateCacheKey); err != nil {
		c.logger.Warn("failed to invalidate catalog cache", zap.Error(err))
	}
}

// ErrDisabled is returned by operations that require a sync target when the
// catalog has no registry wired (should not occur in practice; NewStore
// always supplies one).
var ErrDisabled = fmt.Errorf("catalog disabled")
