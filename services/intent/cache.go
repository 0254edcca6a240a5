// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent resolves user messages into entities and data-retrieval
// intents: a cached entity dictionary, a pattern-based extractor, and an
// intent classifier with context carry-over.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/storage"
)

// ErrCacheMiss is returned when an entity is not in memory, the backing
// store could not produce it, and no stale copy is within the grace period.
var ErrCacheMiss = errors.New("intent: entity cache miss")

// cacheEntry wraps an Entity with its freshness deadline.
type cacheEntry struct {
	entity   datatypes.Entity
	deadline time.Time
}

// EntityCacheConfig configures freshness and staleness policy.
type EntityCacheConfig struct {
	// TTL is the freshness window for cached entities.
	TTL time.Duration

	// GracePeriod is how long past the freshness deadline a stale entry
	// may still be served when the backing store is unavailable.
	GracePeriod time.Duration
}

// EntityCache is a cache-aside dictionary of domain entities.
//
// Description:
//
//	Reads are served from memory while entries are within their freshness
//	deadline. A miss pulls from the backing store exactly once per key at
//	a time: concurrent refreshes for the same key collapse into one fetch
//	(singleflight) and all waiters receive the same result. When a refresh
//	fails but a stale copy exists within the grace period, the stale copy
//	is served instead of an error.
//
// Thread Safety: Safe for concurrent use.
type EntityCache struct {
	store  storage.Store
	cfg    EntityCacheConfig
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*cacheEntry                     // "type/id" -> entry
	byName  map[datatypes.EntityType]map[string]string // normalized name -> id
}

// NewEntityCache creates an empty cache over a backing store. A nil store
// keeps entities in memory only; misses then have nothing to fall back on.
func NewEntityCache(store storage.Store, cfg EntityCacheConfig, logger *slog.Logger) *EntityCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityCache{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		byName:  make(map[datatypes.EntityType]map[string]string),
	}
}

func cacheKey(t datatypes.EntityType, id string) string {
	return string(t) + "/" + id
}

// storeKey is the backing-store key for an entity.
func storeKey(t datatypes.EntityType, id string) string {
	return "entity/" + string(t) + "/" + id
}

// Get returns the entity for (type, id).
//
// A fresh in-memory entry is returned directly and never touches the
// backing store. Otherwise Get refreshes, falling back to a stale copy
// within the grace period when the store fails.
func (c *EntityCache) Get(ctx context.Context, t datatypes.EntityType, id string) (datatypes.Entity, error) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(t, id)]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.deadline) {
		return datatypes.CloneEntity(entry.entity), nil
	}
	return c.Refresh(ctx, t, id)
}

// LookupNormalized returns entities of the given type whose normalized
// name or alias matches name, best match first.
//
// Exact normalized-name matches rank before alias matches; within a rank,
// results order by name for determinism. Only in-memory entries are
// consulted; the dictionary is expected to be warmed via Put or Refresh.
func (c *EntityCache) LookupNormalized(t datatypes.EntityType, name string) []datatypes.Entity {
	needle := NormalizeName(name)
	if needle == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var exact, aliased []datatypes.Entity
	if id, ok := c.byName[t][needle]; ok {
		if entry, ok := c.entries[cacheKey(t, id)]; ok {
			exact = append(exact, datatypes.CloneEntity(entry.entity))
		}
	}
	for key, entry := range c.entries {
		if !strings.HasPrefix(key, string(t)+"/") {
			continue
		}
		if entry.entity.NormalizedName == needle {
			continue // already in exact
		}
		for _, alias := range entry.entity.Aliases {
			if NormalizeName(alias) == needle {
				aliased = append(aliased, datatypes.CloneEntity(entry.entity))
				break
			}
		}
	}

	sort.Slice(aliased, func(i, j int) bool { return aliased[i].Name < aliased[j].Name })
	return append(exact, aliased...)
}

// Refresh fetches (type, id) from the backing store and republishes it.
//
// Description:
//
//	Concurrent refreshes for the same key share one fetch. On store
//	failure a stale in-memory copy within the grace period is served and
//	the failure logged; beyond the grace period the caller gets
//	ErrCacheMiss wrapping the store error.
func (c *EntityCache) Refresh(ctx context.Context, t datatypes.EntityType, id string) (datatypes.Entity, error) {
	key := cacheKey(t, id)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if c.store == nil {
			return nil, fmt.Errorf("intent: no backing store for %s", key)
		}
		raw, err := c.store.Get(ctx, storeKey(t, id))
		if err != nil {
			return nil, err
		}
		var entity datatypes.Entity
		if err := json.Unmarshal(raw, &entity); err != nil {
			return nil, fmt.Errorf("intent: decoding cached entity %s: %w", key, err)
		}
		c.publish(entity)
		return entity, nil
	})
	if err == nil {
		return datatypes.CloneEntity(v.(datatypes.Entity)), nil
	}

	// Store failed or key absent: serve stale within the grace period.
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.deadline.Add(c.cfg.GracePeriod)) {
		c.logger.Warn("Serving stale entity after refresh failure",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return datatypes.CloneEntity(entry.entity), nil
	}

	if errors.Is(err, storage.ErrNotFound) {
		return datatypes.Entity{}, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return datatypes.Entity{}, fmt.Errorf("%w: %s: %v", ErrCacheMiss, key, err)
}

// Put publishes an entity to memory and the backing store, setting its
// freshness deadline to now + window (zero window uses the configured TTL).
func (c *EntityCache) Put(ctx context.Context, entity datatypes.Entity, window time.Duration) error {
	if entity.ID == "" || entity.Type == "" {
		return fmt.Errorf("intent: entity must carry type and id")
	}
	if window <= 0 {
		window = c.cfg.TTL
	}
	if entity.NormalizedName == "" {
		entity.NormalizedName = NormalizeName(entity.Name)
	}
	entity.LastUpdated = time.Now()

	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("intent: encoding entity %s/%s: %w", entity.Type, entity.ID, err)
	}
	// Persist with TTL + grace so a restart can still serve stale copies.
	// A nil store keeps the entity in memory only.
	if c.store != nil {
		if err := c.store.Put(ctx, storeKey(entity.Type, entity.ID), raw, window+c.cfg.GracePeriod); err != nil {
			return err
		}
	}

	c.publishWithDeadline(entity, time.Now().Add(window))
	return nil
}

// Entities returns all cached entities of a type, name-ordered. Used to
// seed the extractor's team dictionary.
func (c *EntityCache) Entities(t datatypes.EntityType) []datatypes.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []datatypes.Entity
	prefix := string(t) + "/"
	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, datatypes.CloneEntity(entry.entity))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *EntityCache) publish(entity datatypes.Entity) {
	c.publishWithDeadline(entity, time.Now().Add(c.cfg.TTL))
}

func (c *EntityCache) publishWithDeadline(entity datatypes.Entity, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(entity.Type, entity.ID)] = &cacheEntry{entity: entity, deadline: deadline}
	if c.byName[entity.Type] == nil {
		c.byName[entity.Type] = make(map[string]string)
	}
	if entity.NormalizedName != "" {
		c.byName[entity.Type][entity.NormalizedName] = entity.ID
	}
}
