// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistent-store contract consumed by the
// entity cache, the conversation archiver, and the preferences manager,
// plus its BadgerDB reference implementation.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/baller/services/storage/badger"
)

// ErrNotFound is returned by Get when the key is absent or its TTL has
// expired.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistent key-value contract.
//
// Description:
//
//	Get returns ErrNotFound for absent or expired keys. Put writes a record
//	with an optional TTL (zero means no expiry). Query returns all records
//	under an index prefix, ordered by key; callers embed their own sort
//	order into key construction.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, record []byte, ttl time.Duration) error
	Query(ctx context.Context, index string, key string) ([][]byte, error)
}

// BadgerStore implements Store on a shared BadgerDB handle.
//
// TTL is enforced by BadgerDB's native GC; expired keys surface as
// ErrKeyNotFound, which Get maps to ErrNotFound. Query iterates the prefix
// "index/key/" and returns value copies in key order.
type BadgerStore struct {
	db *badgerstore.DB
}

// NewBadgerStore creates a BadgerStore on an opened DB handle.
//
// The caller owns the DB lifecycle (opened in main, closed at shutdown);
// the store does not close it.
func NewBadgerStore(db *badgerstore.DB) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	return &BadgerStore{db: db}
}

// Get retrieves the record stored under key.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: %w", err)
	}
	return raw, nil
}

// Put writes record under key with the given TTL. A zero TTL stores the
// record without expiry.
func (s *BadgerStore) Put(ctx context.Context, key string, record []byte, ttl time.Duration) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry([]byte(key), record)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Query returns all records whose key starts with "index/key/", in key order.
func (s *BadgerStore) Query(ctx context.Context, index string, key string) ([][]byte, error) {
	// The separator is part of the prefix so "c1" never matches keys
	// belonging to "c10".
	prefix := []byte(index + "/" + key)
	if key != "" {
		prefix = append(prefix, '/')
	}

	type kv struct {
		k []byte
		v []byte
	}
	var rows []kv

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			rows = append(rows, kv{k: item.KeyCopy(nil), v: v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query %q: %w", string(prefix), err)
	}

	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i].k, rows[j].k) < 0 })
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out, nil
}
