// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := NewStore(db, NewBus(), zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func openAIServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
}

func TestStore_Create_PersistsDetectedType(t *testing.T) {
	srv := openAIServer()
	defer srv.Close()

	store := newTestStore(t)
	ep, err := store.Create(context.Background(), CreateSpec{Name: "node-a", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.Type != types.EndpointOpenAICompatible {
		t.Fatalf("expected openai_compatible, got %s", ep.Type)
	}
	if ep.Status != types.StatusOnline {
		t.Fatalf("expected online, got %s", ep.Status)
	}

	got, ok := store.Get(ep.ID)
	if !ok || got.ID != ep.ID {
		t.Fatal("expected snapshot to contain the new endpoint")
	}
	byName, ok := store.GetByName("node-a")
	if !ok || byName.ID != ep.ID {
		t.Fatal("expected GetByName to resolve the new endpoint")
	}
}

func TestStore_Create_RejectsUnreachable(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(context.Background(), CreateSpec{Name: "ghost", BaseURL: "http://127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected unreachable host to be rejected")
	}
}

func TestStore_Create_DuplicateName(t *testing.T) {
	srv := openAIServer()
	defer srv.Close()

	store := newTestStore(t)
	if _, err := store.Create(context.Background(), CreateSpec{Name: "dup", BaseURL: srv.URL}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(context.Background(), CreateSpec{Name: "dup", BaseURL: srv.URL}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}
}

func TestStore_Update_BaseURLChangeRequestsReprobe(t *testing.T) {
	srv := openAIServer()
	defer srv.Close()

	store := newTestStore(t)
	ep, err := store.Create(context.Background(), CreateSpec{Name: "node-b", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	id, changes := store.bus.Subscribe()
	defer store.bus.Unsubscribe(id)

	newURL := srv.URL + "/"
	if _, err := store.Update(ep.ID, UpdatePatch{BaseURL: &newURL}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case c := <-changes:
		if !c.Reprobe {
			t.Fatal("expected base_url change to request a reprobe")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an update change event")
	}
}

func TestStore_Delete_RemovesFromSnapshot(t *testing.T) {
	srv := openAIServer()
	defer srv.Close()

	store := newTestStore(t)
	ep, err := store.Create(context.Background(), CreateSpec{Name: "node-c", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.Get(ep.ID); ok {
		t.Fatal("expected endpoint to be gone after delete")
	}
}

func TestFailureStatusTransition(t *testing.T) {
	cases := []struct {
		before types.EndpointStatus
		errors int
		want   types.EndpointStatus
	}{
		{types.StatusPending, 1, types.StatusOffline},
		{types.StatusOffline, 1, types.StatusOffline},
		{types.StatusOnline, 1, types.StatusError},
		{types.StatusOnline, 2, types.StatusOffline},
		{types.StatusError, 2, types.StatusOffline},
	}
	for _, c := range cases {
		got := failureStatusTransition(c.before, c.errors)
		if got != c.want {
			t.Errorf("failureStatusTransition(%s, %d) = %s, want %s", c.before, c.errors, got, c.want)
		}
	}
}

func TestStore_RecordProbe_DemotesAfterTwoFailures(t *testing.T) {
	srv := openAIServer()
	defer srv.Close()

	store := newTestStore(t)
	ep, err := store.Create(context.Background(), CreateSpec{Name: "node-d", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status, err := store.RecordProbe(ep.ID, false, 0, "boom", nil)
	if err != nil {
		t.Fatalf("record probe: %v", err)
	}
	if status != types.StatusError {
		t.Fatalf("expected error after first failure, got %s", status)
	}

	status, err = store.RecordProbe(ep.ID, false, 0, "boom again", nil)
	if err != nil {
		t.Fatalf("record probe: %v", err)
	}
	if status != types.StatusOffline {
		t.Fatalf("expected offline after second failure, got %s", status)
	}

	status, err = store.RecordProbe(ep.ID, true, 12, "", nil)
	if err != nil {
		t.Fatalf("record probe: %v", err)
	}
	if status != types.StatusOnline {
		t.Fatalf("expected online after success, got %s", status)
	}
	got, _ := store.Get(ep.ID)
	if got.ErrorCount != 0 {
		t.Fatalf("expected error_count reset to 0, got %d", got.ErrorCount)
	}
}

func TestStore_UpgradeType_OnlyFromUnknown(t *testing.T) {
	store := newTestStore(t)
	ep := types.Endpoint{ID: "manual-probe", Name: "weird", BaseURL: "http://example.invalid", Type: types.EndpointUnknown, Status: types.StatusPending}
	store.mu.Lock()
	store.snapshot[ep.ID] = ep
	store.mu.Unlock()

	if err := store.UpgradeType(ep.ID, types.EndpointOllama); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	got, _ := store.Get(ep.ID)
	if got.Type != types.EndpointOllama {
		t.Fatalf("expected type upgraded to ollama, got %s", got.Type)
	}

	if err := store.UpgradeType(ep.ID, types.EndpointVLLM); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	got, _ = store.Get(ep.ID)
	if got.Type != types.EndpointOllama {
		t.Fatalf("expected type unchanged once no longer unknown, got %s", got.Type)
	}
}
