// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB behind a small lifecycle-aware handle.
//
// BadgerDB is embedded service infrastructure: no network call, no
// availability dependency, ~100µs access latency, native per-key TTL
// enforced by its GC. Entity reference data and archived conversations do
// not need a networked store, just cheap local reads that survive a
// restart.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config controls how the DB is opened.
type Config struct {
	// Path is the on-disk directory for the DB. Ignored when InMemory is set.
	Path string

	// InMemory opens a non-persistent DB. Used by tests.
	InMemory bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero means the default (10 minutes).
	GCInterval time.Duration
}

// DefaultConfig returns the standard on-disk configuration.
// Callers must set Path before opening.
func DefaultConfig() Config {
	return Config{GCInterval: 10 * time.Minute}
}

// InMemoryConfig returns a configuration for an ephemeral in-memory DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB handle.
//
// Description:
//
//	DB owns the underlying BadgerDB instance and its GC goroutine. It is
//	opened once at startup (typically in main) and shared by every store
//	built on top of it. Close stops GC and closes the DB; stores must not
//	be used after Close.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type DB struct {
	db     *dgbadger.DB
	stopGC chan struct{}
}

// OpenDB opens a BadgerDB instance with the given configuration.
//
// Inputs:
//   - cfg: Open configuration. For on-disk DBs, cfg.Path must be non-empty.
//
// Outputs:
//   - *DB: The opened handle.
//   - error: Non-nil if the DB cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: path must be set for on-disk DB")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	// Badger logs through its own interface; route to slog at warn level
	// only, its info output is too chatty for service logs.
	opts = opts.WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: opening DB: %w", err)
	}

	d := &DB{db: db, stopGC: make(chan struct{})}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}
	if !cfg.InMemory {
		go d.runGC(gcInterval)
	}

	return d, nil
}

// runGC periodically runs value-log garbage collection until Close.
func (d *DB) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite is the normal "nothing to collect" result.
			if err := d.db.RunValueLogGC(0.5); err != nil && err != dgbadger.ErrNoRewrite {
				slog.Warn("badger: value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// WithReadTxn runs fn inside a read-only transaction.
//
// The context is checked before the transaction starts; BadgerDB itself
// does not observe cancellation mid-transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// Close stops garbage collection and closes the DB.
func (d *DB) Close() error {
	close(d.stopGC)
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("badger: closing DB: %w", err)
	}
	return nil
}
