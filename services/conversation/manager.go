// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/storage"
)

// ErrManagerClosed is returned by Do after Close.
var ErrManagerClosed = errors.New("conversation: manager closed")

// workQueueDepth bounds each conversation's pending operation queue.
const workQueueDepth = 32

// ManagerConfig configures the conversation registry.
type ManagerConfig struct {
	// Policy is applied to every conversation.
	Policy Policy

	// MaxConversations bounds the registry; creating past it evicts the
	// least recently active conversation.
	MaxConversations int

	// SweepInterval is how often expired conversations are evicted.
	SweepInterval time.Duration

	// ArchiveTTL is the retention of archived snapshots in the store.
	ArchiveTTL time.Duration
}

// worker owns one conversation and drains its FIFO operation queue.
type worker struct {
	convo *Context
	queue chan task

	// lifeCtx is cancelled on eviction so in-flight streams stop.
	lifeCtx context.Context
	cancel  context.CancelFunc

	lastTouch time.Time
	drained   chan struct{}
}

type task struct {
	fn   func(ctx context.Context, c *Context)
	done chan struct{}
}

// Manager is the owned registry of live conversations.
//
// Description:
//
//	Each conversation gets one goroutine draining a FIFO queue, so all
//	operations for a conversation id execute start-to-finish in arrival
//	order and never interleave; operations on different conversations run
//	freely. A periodic sweep archives and evicts Expired conversations;
//	archive failure is logged and never blocks eviction. A panic inside
//	one conversation's operation is recovered and logged without
//	affecting other conversations.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	store  storage.Store
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates the registry and starts its sweep loop. store may be
// nil, disabling archival.
func NewManager(cfg ManagerConfig, store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		workers:   make(map[string]*worker),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Do runs fn against the conversation's state on its serialized queue,
// blocking until fn returns.
//
// Description:
//
//	The conversation is created on first use (a previously evicted id
//	starts a fresh context). The ctx passed to fn is the conversation's
//	lifecycle context: it is cancelled when the conversation is evicted,
//	letting long-running work (streaming generation) stop mid-flight.
//
// Inputs:
//
//	ctx - The caller's context; bounds the wait for queue space and
//	      completion.
//	id - Conversation id.
//	userID, serverID - Identity recorded on first creation.
//	fn - The operation. Must not retain the *Context past its return.
//
// Outputs:
//
//	error - ctx.Err() if the caller gave up, ErrManagerClosed after
//	        Close, nil otherwise.
func (m *Manager) Do(ctx context.Context, id, userID, serverID string, fn func(ctx context.Context, c *Context)) error {
	w, err := m.workerFor(id, userID, serverID)
	if err != nil {
		return err
	}

	t := task{fn: fn, done: make(chan struct{})}
	select {
	case w.queue <- t:
	case <-w.lifeCtx.Done():
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-w.drained:
		// The worker exited before reaching the task.
		select {
		case <-t.done:
			return nil
		default:
			return ErrManagerClosed
		}
	case <-ctx.Done():
		// The task still runs to completion on the queue; we just stop
		// waiting for it.
		return ctx.Err()
	}
}

// workerFor returns the live worker for id, creating it if needed.
func (m *Manager) workerFor(id, userID, serverID string) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if w, ok := m.workers[id]; ok {
		w.lastTouch = time.Now()
		return w, nil
	}

	if m.cfg.MaxConversations > 0 && len(m.workers) >= m.cfg.MaxConversations {
		m.evictOldestLocked()
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		convo:     NewContext(id, userID, serverID, m.cfg.Policy),
		queue:     make(chan task, workQueueDepth),
		lifeCtx:   lifeCtx,
		cancel:    cancel,
		lastTouch: time.Now(),
		drained:   make(chan struct{}),
	}
	m.workers[id] = w
	go m.run(w)
	return w, nil
}

// run drains one conversation's queue until the lifecycle context is
// cancelled, then finishes any already-queued operations.
//
// The queue channel is never closed: sends race-free against shutdown
// because senders observe lifeCtx instead.
func (m *Manager) run(w *worker) {
	defer close(w.drained)
	for {
		select {
		case t := <-w.queue:
			m.runTask(w, t)
		case <-w.lifeCtx.Done():
			for {
				select {
				case t := <-w.queue:
					m.runTask(w, t)
				default:
					return
				}
			}
		}
	}
}

// runTask executes one operation with panic isolation.
func (m *Manager) runTask(w *worker, t task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic in conversation operation",
				slog.String("conversation_id", w.convo.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	t.fn(w.lifeCtx, w.convo)
}

// Evict archives and removes a conversation immediately. A no-op for
// unknown ids.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if ok {
		m.shutdownWorker(w)
	}
}

// evictOldestLocked removes the least recently active conversation to make
// room. Caller holds m.mu.
func (m *Manager) evictOldestLocked() {
	var oldestID string
	var oldest *worker
	for id, w := range m.workers {
		if oldest == nil || w.lastTouch.Before(oldest.lastTouch) {
			oldestID, oldest = id, w
		}
	}
	if oldest == nil {
		return
	}
	delete(m.workers, oldestID)
	m.logger.Info("Evicting least recently active conversation",
		slog.String("conversation_id", oldestID),
	)
	go m.shutdownWorker(oldest)
}

// shutdownWorker cancels in-flight work, lets the queue drain, archives,
// and discards the conversation.
func (m *Manager) shutdownWorker(w *worker) {
	w.cancel()
	<-w.drained

	// The queue is drained and closed: the context is no longer reachable
	// from any goroutine, so reading it here is safe.
	m.archive(w.convo)
}

// archive persists a snapshot of the conversation. Failure is logged; the
// conversation is discarded regardless.
func (m *Manager) archive(c *Context) {
	if m.store == nil {
		return
	}
	snap := c.toSnapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("Failed to encode conversation archive",
			slog.String("conversation_id", c.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := archiveKey(c.ID, c.LastActive)
	if err := m.store.Put(ctx, key, raw, m.cfg.ArchiveTTL); err != nil {
		m.logger.Error("Failed to archive conversation, discarding state",
			slog.String("conversation_id", c.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("Archived conversation",
		slog.String("conversation_id", c.ID),
		slog.Int("messages", len(snap.Messages)),
	)
}

// archiveKey orders archives per conversation by last activity.
func archiveKey(id string, lastActive time.Time) string {
	return fmt.Sprintf("conversation/%s/%s", id, lastActive.UTC().Format(time.RFC3339Nano))
}

// LoadArchived returns the archived snapshots' messages for a conversation
// id, oldest archive first.
func (m *Manager) LoadArchived(ctx context.Context, id string) ([]datatypes.Message, error) {
	if m.store == nil {
		return nil, nil
	}
	rows, err := m.store.Query(ctx, "conversation", id)
	if err != nil {
		return nil, fmt.Errorf("conversation: loading archives for %s: %w", id, err)
	}
	var out []datatypes.Message
	for _, raw := range rows {
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			m.logger.Warn("Skipping undecodable conversation archive",
				slog.String("conversation_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, snap.Messages...)
	}
	return out, nil
}

// Stats reports registry counters for the metrics endpoint.
func (m *Manager) Stats() (total int, byState map[State]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState = map[State]int{}
	for _, w := range m.workers {
		// State reads LastActive which is only written on the worker
		// queue; lastTouch is a close-enough proxy that is safe here.
		idle := time.Since(w.lastTouch)
		switch {
		case idle > m.cfg.Policy.ExpireAfter:
			byState[StateExpired]++
		case idle > m.cfg.Policy.IdleAfter:
			byState[StateIdle]++
		default:
			byState[StateActive]++
		}
	}
	return len(m.workers), byState
}

// sweepLoop periodically evicts expired conversations.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.sweepStop:
			return
		}
	}
}

// sweep evicts every conversation past its retention window.
func (m *Manager) sweep() {
	m.mu.Lock()
	var expired []*worker
	for id, w := range m.workers {
		if time.Since(w.lastTouch) > m.cfg.Policy.ExpireAfter {
			delete(m.workers, id)
			expired = append(expired, w)
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		m.logger.Info("Sweeping expired conversation",
			slog.String("conversation_id", w.convo.ID),
		)
		m.shutdownWorker(w)
	}
}

// Close stops the sweep loop and archives all live conversations.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	close(m.sweepStop)
	<-m.sweepDone

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			m.shutdownWorker(w)
		}(w)
	}
	wg.Wait()
}
