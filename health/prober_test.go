// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

func newTestStore(t *testing.T) (*registry.Store, *registry.Bus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	bus := registry.NewBus()
	store, err := registry.NewStore(db, bus, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, bus
}

func TestProber_RecordsSuccessAndFailure(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[],"object":"list"}`))
	}))
	defer up.Close()

	store, bus := newTestStore(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{Name: "up", BaseURL: up.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// "down" registers healthy (so it is detected and starts out online),
	// then fails every probe.
	var failing atomic.Bool
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[],"object":"list"}`))
	}))
	defer down.Close()
	dep, err := store.Create(context.Background(), registry.CreateSpec{Name: "down", BaseURL: down.URL})
	if err != nil {
		t.Fatalf("create down: %v", err)
	}
	failing.Store(true)

	prober := NewProber(store, bus, Config{CheckInterval: time.Hour, MaxConcurrentProbes: 4}, zap.NewNop())

	prober.probeOne(context.Background(), ep.ID)
	got, _ := store.Get(ep.ID)
	if got.Status != types.StatusOnline {
		t.Fatalf("expected online, got %s", got.Status)
	}

	prober.probeOne(context.Background(), dep.ID)
	got, _ = store.Get(dep.ID)
	if got.Status != types.StatusError {
		t.Fatalf("expected error after first failure, got %s", got.Status)
	}
	prober.probeOne(context.Background(), dep.ID)
	got, _ = store.Get(dep.ID)
	if got.Status != types.StatusOffline {
		t.Fatalf("expected offline after second failure, got %s", got.Status)
	}
}

func TestProber_Check_ForcesImmediateProbe(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[],"object":"list"}`))
	}))
	defer up.Close()

	store, bus := newTestStore(t)
	ep, err := store.Create(context.Background(), registry.CreateSpec{Name: "node", BaseURL: up.URL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	prober := NewProber(store, bus, Config{CheckInterval: time.Hour}, zap.NewNop())
	if err := prober.Check(context.Background(), ep.ID); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _ := store.Get(ep.ID)
	if got.LastSeen == nil {
		t.Fatal("expected last_seen to be set after forced check")
	}
}

func TestProber_Check_UnknownEndpoint(t *testing.T) {
	store, bus := newTestStore(t)
	prober := NewProber(store, bus, Config{}, zap.NewNop())
	if err := prober.Check(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}
