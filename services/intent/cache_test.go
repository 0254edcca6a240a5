// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/storage"
)

// memStore is an in-memory storage.Store with call counting and failure
// injection.
type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	getCalls atomic.Int64
	failGets bool

	// blockGets, when non-nil, makes Get wait until the channel closes.
	blockGets chan struct{}
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.getCalls.Add(1)
	if s.blockGets != nil {
		<-s.blockGets
	}
	if s.failGets {
		return nil, errors.New("store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return raw, nil
}

func (s *memStore) Put(ctx context.Context, key string, record []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = record
	return nil
}

func (s *memStore) Query(ctx context.Context, index, key string) ([][]byte, error) {
	return nil, nil
}

func testCache(t *testing.T, store storage.Store) *EntityCache {
	t.Helper()
	return NewEntityCache(store, EntityCacheConfig{
		TTL:         time.Hour,
		GracePeriod: 6 * time.Hour,
	}, nil)
}

func chelsea() datatypes.Entity {
	return datatypes.Entity{
		Type:           datatypes.EntityTeam,
		ID:             "61",
		Name:           "Chelsea FC",
		NormalizedName: "chelsea fc",
		Aliases:        []string{"Chelsea", "CFC", "The Blues"},
		Metadata:       map[string]string{"tla": "CHE"},
	}
}

func TestEntityCache_PutThenGet(t *testing.T) {
	store := newMemStore()
	cache := testCache(t, store)

	if err := cache.Put(context.Background(), chelsea(), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Chelsea FC" || got.NormalizedName != "chelsea fc" {
		t.Errorf("Get() = %+v", got)
	}
	if store.getCalls.Load() != 0 {
		t.Errorf("fresh hit touched the backing store %d times", store.getCalls.Load())
	}
}

func TestEntityCache_GetReturnsCopies(t *testing.T) {
	cache := testCache(t, newMemStore())
	if err := cache.Put(context.Background(), chelsea(), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	first, _ := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	first.Metadata["tla"] = "MUTATED"
	first.Aliases[0] = "mutated"

	second, _ := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	if second.Metadata["tla"] != "CHE" || second.Aliases[0] != "Chelsea" {
		t.Error("cache entry was mutated through a returned copy")
	}
}

func TestEntityCache_MissPullsFromStore(t *testing.T) {
	store := newMemStore()
	raw, _ := json.Marshal(chelsea())
	store.data["entity/team/61"] = raw

	cache := testCache(t, store)
	got, err := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "61" {
		t.Errorf("ID = %q, want 61", got.ID)
	}
	if store.getCalls.Load() != 1 {
		t.Errorf("getCalls = %d, want 1", store.getCalls.Load())
	}

	// Now in memory: a second Get must not refetch.
	if _, err := cache.Get(context.Background(), datatypes.EntityTeam, "61"); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if store.getCalls.Load() != 1 {
		t.Errorf("getCalls = %d after warm hit, want 1", store.getCalls.Load())
	}
}

func TestEntityCache_SingleFlightRefresh(t *testing.T) {
	store := newMemStore()
	raw, _ := json.Marshal(chelsea())
	store.data["entity/team/61"] = raw
	store.blockGets = make(chan struct{})

	cache := testCache(t, store)

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]datatypes.Entity, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Refresh(context.Background(), datatypes.EntityTeam, "61")
		}(i)
	}

	// Let all goroutines pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(store.blockGets)
	wg.Wait()

	if got := store.getCalls.Load(); got != 1 {
		t.Errorf("getCalls = %d, want 1 (single-flight)", got)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error = %v", i, errs[i])
		}
		if results[i].ID != "61" {
			t.Errorf("waiter %d got %+v", i, results[i])
		}
	}
}

func TestEntityCache_ServesStaleWithinGrace(t *testing.T) {
	store := newMemStore()
	cache := testCache(t, store)

	// Publish an entry that is already past its freshness deadline but
	// inside the grace period.
	cache.publishWithDeadline(chelsea(), time.Now().Add(-time.Minute))
	store.failGets = true

	got, err := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	if err != nil {
		t.Fatalf("Get() error = %v, want stale entry", err)
	}
	if got.ID != "61" {
		t.Errorf("stale entity = %+v", got)
	}
}

func TestEntityCache_MissBeyondGrace(t *testing.T) {
	store := newMemStore()
	cache := testCache(t, store)

	cache.publishWithDeadline(chelsea(), time.Now().Add(-7*time.Hour))
	store.failGets = true

	_, err := cache.Get(context.Background(), datatypes.EntityTeam, "61")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestEntityCache_AbsentKeyIsMiss(t *testing.T) {
	cache := testCache(t, newMemStore())
	_, err := cache.Get(context.Background(), datatypes.EntityTeam, "999")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestEntityCache_LookupNormalized(t *testing.T) {
	cache := testCache(t, newMemStore())
	ctx := context.Background()

	if err := cache.Put(ctx, chelsea(), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := cache.Put(ctx, datatypes.Entity{
		Type:           datatypes.EntityTeam,
		ID:             "64",
		Name:           "Liverpool FC",
		NormalizedName: "liverpool fc",
		Aliases:        []string{"Liverpool", "The Reds"},
	}, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Exact normalized match.
	got := cache.LookupNormalized(datatypes.EntityTeam, "Chelsea FC")
	if len(got) == 0 || got[0].ID != "61" {
		t.Fatalf("LookupNormalized(exact) = %+v", got)
	}

	// Alias match.
	got = cache.LookupNormalized(datatypes.EntityTeam, "the blues")
	if len(got) != 1 || got[0].ID != "61" {
		t.Fatalf("LookupNormalized(alias) = %+v", got)
	}

	// No match.
	if got = cache.LookupNormalized(datatypes.EntityTeam, "real madrid"); len(got) != 0 {
		t.Fatalf("LookupNormalized(miss) = %+v, want empty", got)
	}
}
