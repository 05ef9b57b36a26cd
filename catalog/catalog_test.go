package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

func newTestCatalog(t *testing.T) (*Catalog, *registry.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	store, err := registry.NewStore(db, registry.NewBus(), zap.NewNop())
	require.NoError(t, err)
	cat, err := New(db, store, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(cat.Close)
	return cat, store, db
}

func modelsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestCatalog_SyncReplacesModelRows(t *testing.T) {
	srv := modelsServer(t, `{"object":"list","data":[{"id":"llama-3"},{"id":"mixtral"}]}`)
	defer srv.Close()

	cat, store, _ := newTestCatalog(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{Name: "e1", BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, cat.Sync(context.Background(), ep.ID))

	ids, err := cat.Lookup(context.Background(), "llama-3")
	require.NoError(t, err)
	assert.Contains(t, ids, ep.ID)

	models, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestCatalog_SyncResyncReplacesNotAppends(t *testing.T) {
	srv := modelsServer(t, `{"object":"list","data":[{"id":"a"}]}`)
	defer srv.Close()

	cat, store, _ := newTestCatalog(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{Name: "e1", BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, cat.Sync(context.Background(), ep.ID))
	require.NoError(t, cat.Sync(context.Background(), ep.ID))

	models, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 1)
}

func TestCatalog_DownloadRejectsNonXLLM(t *testing.T) {
	srv := modelsServer(t, `{"object":"list","data":[]}`)
	defer srv.Close()

	cat, store, _ := newTestCatalog(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{Name: "e1", BaseURL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, types.EndpointOpenAICompatible, ep.Type)

	_, err = cat.Download(context.Background(), ep.ID, "llama-3")
	require.Error(t, err)
	taggedErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidRequest, taggedErr.Kind)
}

func TestCatalog_LookupUnknownModelEmpty(t *testing.T) {
	cat, _, _ := newTestCatalog(t)
	ids, err := cat.Lookup(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
