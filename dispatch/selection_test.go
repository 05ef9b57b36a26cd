package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/catalog"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// fakeCatalog is a minimal catalogLookup double so selection tests don't need
// a live *gorm.DB-backed catalog.Catalog.
type fakeCatalog struct {
	byModel map[string][]string
	models  []catalog.Model
	err     error
}

func (f *fakeCatalog) Lookup(ctx context.Context, model string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byModel[model], nil
}

func (f *fakeCatalog) List(ctx context.Context) ([]catalog.Model, error) {
	return f.models, f.err
}

func newTestRegistryStore(t *testing.T) *registry.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	store, err := registry.NewStore(db, registry.NewBus(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func newSelectionDispatcher(t *testing.T, cat catalogLookup) (*Dispatcher, *registry.Store) {
	t.Helper()
	store := newTestRegistryStore(t)
	return &Dispatcher{
		store:      store,
		catalog:    cat,
		exclusions: NewExclusionSet(3, time.Hour),
		load:       NewLoadTracker(),
		breakers:   NewBreakerRegistry(5, time.Minute, time.Minute, zap.NewNop()),
		logger:     zap.NewNop(),
	}, store
}

func mustCreateEndpoint(t *testing.T, store *registry.Store, name string, caps []string) *types.Endpoint {
	t.Helper()
	// A reachable host that matches no dialect registers as pending.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	ep, err := store.Create(context.Background(), registry.CreateSpec{
		Name:         name,
		BaseURL:      srv.URL,
		Capabilities: caps,
	})
	require.NoError(t, err)
	return ep
}

func TestResolveModel_UnknownModelIsNotFound(t *testing.T) {
	d, _ := newSelectionDispatcher(t, &fakeCatalog{byModel: map[string][]string{}})

	_, err := d.resolveModel(context.Background(), "ghost-model", "")
	require.NotNil(t, err)
	assert.Equal(t, types.ErrNotFound, err.Kind)
}

func TestResolveModel_PendingEndpointIsNotSelectable(t *testing.T) {
	store := newTestRegistryStore(t)
	ep := mustCreateEndpoint(t, store, "offline-node", nil)
	require.Equal(t, types.StatusPending, ep.Status)

	d, _ := newSelectionDispatcher(t, &fakeCatalog{byModel: map[string][]string{"m1": {ep.ID}}})
	d.store = store

	_, rerr := d.resolveModel(context.Background(), "m1", "")
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrServiceUnavailable, rerr.Kind)
	assert.Equal(t, "no_capable_nodes", rerr.Code)
}

func TestResolveModel_ExcludesEndpointsWithATrippedBreaker(t *testing.T) {
	store := newTestRegistryStore(t)
	ep := mustCreateEndpoint(t, store, "node-a", nil)
	_, err := store.RecordProbe(ep.ID, true, 5, "", nil)
	require.NoError(t, err)

	d, _ := newSelectionDispatcher(t, &fakeCatalog{byModel: map[string][]string{"m1": {ep.ID}}})
	d.store = store

	candidates, rerr := d.resolveModel(context.Background(), "m1", "")
	require.Nil(t, rerr)
	require.Len(t, candidates, 1)

	breaker := d.breakers.Get(ep.ID)
	forcedFailure := types.NewBadGatewayError("forced failure")
	for i := 0; i < 10; i++ {
		_ = breaker.Call(context.Background(), func() error { return forcedFailure })
	}
	require.True(t, d.breakers.Open(ep.ID))

	_, rerr = d.resolveModel(context.Background(), "m1", "")
	require.NotNil(t, rerr)
	assert.Equal(t, "no_capable_nodes", rerr.Code)
}

func TestSelectEndpoint_PicksLeastActiveThenLowestLatencyThenLowestID(t *testing.T) {
	d, _ := newSelectionDispatcher(t, &fakeCatalog{})

	a := types.Endpoint{ID: "b", LatencyMs: 10}
	b := types.Endpoint{ID: "a", LatencyMs: 5}
	c := types.Endpoint{ID: "c", LatencyMs: 5}
	d.load.Inc("b")

	picked := d.selectEndpoint([]types.Endpoint{a, b, c})
	assert.Equal(t, "a", picked.ID)
}

func TestSelectEndpoint_RoundRobinCyclesRegardlessOfLoad(t *testing.T) {
	d, _ := newSelectionDispatcher(t, &fakeCatalog{})
	d.mode = "round_robin"
	candidates := []types.Endpoint{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	first := d.selectEndpoint(append([]types.Endpoint{}, candidates...))
	second := d.selectEndpoint(append([]types.Endpoint{}, candidates...))
	third := d.selectEndpoint(append([]types.Endpoint{}, candidates...))
	fourth := d.selectEndpoint(append([]types.Endpoint{}, candidates...))

	assert.Equal(t, []string{"a", "b", "c", "a"}, []string{first.ID, second.ID, third.ID, fourth.ID})
}

func TestOverrideOf_UsesGPUActiveRequestsWhenPositive(t *testing.T) {
	ep := types.Endpoint{GPUSnapshot: types.GPUSnapshot{ActiveRequests: 2}}
	override := overrideOf(ep)
	require.NotNil(t, override)
	assert.Equal(t, 2, *override)

	idle := types.Endpoint{}
	assert.Nil(t, overrideOf(idle))
}
