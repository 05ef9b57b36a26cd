package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// newHandlerTestDispatcher builds a Dispatcher wired to upstream, with a
// single online endpoint serving model "m1".
func newHandlerTestDispatcher(t *testing.T, upstream *httptest.Server) (*Dispatcher, *types.Endpoint) {
	t.Helper()
	store := newTestRegistryStore(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{
		Name:         "node-a",
		BaseURL:      upstream.URL,
		Capabilities: []string{string(types.CapabilityChat)},
	})
	require.NoError(t, err)
	_, err = store.RecordProbe(ep.ID, true, 5, "", nil)
	require.NoError(t, err)

	tracker := NewLoadTracker()
	d := &Dispatcher{
		store:      store,
		catalog:    &fakeCatalog{byModel: map[string][]string{"m1": {ep.ID}}},
		exclusions: NewExclusionSet(3, time.Hour),
		load:       tracker,
		admission:  NewAdmission(tracker, 4, time.Second),
		breakers:   NewBreakerRegistry(5, time.Minute, time.Minute, zap.NewNop()),
		client:     &httpDoer{http: upstream.Client()},
		logger:     zap.NewNop(),
	}
	return d, ep
}

func chatRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestHandleInference_PassesThrough4xxVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request upstream","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	d, _ := newHandlerTestDispatcher(t, upstream)
	w := httptest.NewRecorder()
	d.handleInference(w, chatRequest(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`), types.CapabilityChat)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body, _ := io.ReadAll(w.Result().Body)
	assert.Contains(t, string(body), "bad request upstream")
}

func TestHandleInference_Maps5xxToBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()

	d, _ := newHandlerTestDispatcher(t, upstream)
	w := httptest.NewRecorder()
	d.handleInference(w, chatRequest(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`), types.CapabilityChat)

	require.Equal(t, http.StatusBadGateway, w.Code)
	body, _ := io.ReadAll(w.Result().Body)
	assert.Contains(t, string(body), "bad_gateway")
	assert.NotContains(t, string(body), "boom")
}

func TestHandleInference_SuccessRecordsUsageFromUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`))
	}))
	defer upstream.Close()

	d, _ := newHandlerTestDispatcher(t, upstream)
	w := httptest.NewRecorder()
	d.handleInference(w, chatRequest(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`), types.CapabilityChat)

	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Result().Body)
	assert.Contains(t, string(body), `"total_tokens":10`)
}

func TestHandleInference_UnknownModelIsNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called for an unknown model")
	}))
	defer upstream.Close()

	d, _ := newHandlerTestDispatcher(t, upstream)
	w := httptest.NewRecorder()
	d.handleInference(w, chatRequest(`{"model":"ghost","messages":[]}`), types.CapabilityChat)

	require.Equal(t, http.StatusNotFound, w.Code)
	body, _ := io.ReadAll(w.Result().Body)
	assert.Contains(t, string(body), "model_not_found")
}

func TestHandleInference_QueueFullReturns429WithRetryAfter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called once the queue rejects the request")
	}))
	defer upstream.Close()

	d, ep := newHandlerTestDispatcher(t, upstream)
	d.admission = NewAdmission(d.load, 0, time.Second)
	d.load.Inc(ep.ID)

	w := httptest.NewRecorder()
	d.handleInference(w, chatRequest(`{"model":"m1","messages":[{"role":"user","content":"hi"}]}`), types.CapabilityChat)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "rejected", w.Header().Get("X-Queue-Status"))
}
