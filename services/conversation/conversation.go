// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation tracks multi-turn conversation state: a bounded
// message window, decayed entity/intent history, and a lifecycle manager
// that serializes all mutations per conversation.
package conversation

import (
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// State is a conversation's lifecycle phase, computed lazily from
// LastActive so there are no per-conversation timers.
type State string

// Conversation states.
const (
	// StateActive means recent activity within the idle threshold.
	StateActive State = "active"
	// StateIdle means past the idle threshold but not yet expired.
	StateIdle State = "idle"
	// StateExpired means past the retention window; eligible for
	// archival and eviction.
	StateExpired State = "expired"
)

// maxIntentHistory bounds the intent history per conversation.
const maxIntentHistory = 5

// Policy holds the lifecycle and bounding knobs for one conversation.
type Policy struct {
	// IdleAfter is the inactivity duration for Active -> Idle.
	IdleAfter time.Duration

	// ExpireAfter is the inactivity duration for -> Expired.
	ExpireAfter time.Duration

	// MessageWindow is the max retained messages; the oldest drop first.
	MessageWindow int

	// EntityHistoryTTL is how long entity observations stay usable.
	EntityHistoryTTL time.Duration
}

// Context is the full state of one conversation.
//
// Description:
//
//	A Context is owned exclusively by the Manager that created it and is
//	mutated only from that conversation's serialized work queue. Methods
//	here are therefore unsynchronized; callers outside the queue must go
//	through Manager.Do.
//
// Thread Safety: NOT safe for concurrent use. Serialize via Manager.
type Context struct {
	// ID is the conversation identifier.
	ID string

	// UserID identifies the user this conversation belongs to.
	UserID string

	// ServerID identifies the server/guild, if any.
	ServerID string

	CreatedAt  time.Time
	LastActive time.Time

	policy Policy

	messages []datatypes.Message
	turn     int

	entityHistory []datatypes.ObservedEntity
	intentHistory []datatypes.IntentResult

	// now is injectable for lifecycle tests.
	now func() time.Time
}

// NewContext creates an empty conversation context.
func NewContext(id, userID, serverID string, policy Policy) *Context {
	now := time.Now()
	return &Context{
		ID:         id,
		UserID:     userID,
		ServerID:   serverID,
		CreatedAt:  now,
		LastActive: now,
		policy:     policy,
		now:        time.Now,
	}
}

// State computes the lifecycle phase from elapsed inactivity.
func (c *Context) State() State {
	idle := c.now().Sub(c.LastActive)
	switch {
	case idle > c.policy.ExpireAfter:
		return StateExpired
	case idle > c.policy.IdleAfter:
		return StateIdle
	default:
		return StateActive
	}
}

// Append adds a message to the history, dropping the oldest once the
// window is full. User messages advance the turn counter.
func (c *Context) Append(msg datatypes.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	if msg.Timings != nil {
		// Messages are immutable once appended; detach from any map the
		// caller keeps mutating.
		copied := make(map[string]time.Duration, len(msg.Timings))
		for stage, d := range msg.Timings {
			copied[stage] = d
		}
		msg.Timings = copied
	}
	c.messages = append(c.messages, msg)
	if c.policy.MessageWindow > 0 && len(c.messages) > c.policy.MessageWindow {
		c.messages = c.messages[len(c.messages)-c.policy.MessageWindow:]
	}
	if msg.Role == datatypes.RoleUser {
		c.turn++
	}
	c.LastActive = c.now()
}

// AnnotateLastUser attaches processing results to the most recent user
// message. No-op when the history holds no user message.
func (c *Context) AnnotateLastUser(intent *datatypes.IntentResult, entities []datatypes.Entity) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == datatypes.RoleUser {
			c.messages[i].Intent = intent
			c.messages[i].Entities = entities
			return
		}
	}
}

// AnnotateLastUserTimings records the completed per-stage breakdown on the
// most recent user message. The map is copied, so later caller mutations do
// not reach the recorded message.
func (c *Context) AnnotateLastUserTimings(timings map[string]time.Duration) {
	copied := make(map[string]time.Duration, len(timings))
	for stage, d := range timings {
		copied[stage] = d
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == datatypes.RoleUser {
			c.messages[i].Timings = copied
			return
		}
	}
}

// Messages returns a copy of the retained message history, oldest first.
func (c *Context) Messages() []datatypes.Message {
	return append([]datatypes.Message(nil), c.messages...)
}

// LastUserMessage returns the most recent user message content.
func (c *Context) LastUserMessage() (string, bool) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == datatypes.RoleUser {
			return c.messages[i].Content, true
		}
	}
	return "", false
}

// LastAssistantMessage returns the most recent assistant message content.
func (c *Context) LastAssistantMessage() (string, bool) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == datatypes.RoleAssistant {
			return c.messages[i].Content, true
		}
	}
	return "", false
}

// ObserveEntities records extracted entities into the entity history at
// the current turn.
func (c *Context) ObserveEntities(entities []datatypes.Entity, confidences []float64) {
	now := c.now()
	for i, e := range entities {
		confidence := 1.0
		if i < len(confidences) {
			confidence = confidences[i]
		}
		c.entityHistory = append(c.entityHistory, datatypes.ObservedEntity{
			Entity:     datatypes.CloneEntity(e),
			Turn:       c.turn,
			Confidence: confidence,
			ObservedAt: now,
		})
	}
}

// ObservedEntities returns non-stale history observations of the given
// type, most recent first. Implements intent.ContextReader.
func (c *Context) ObservedEntities(t datatypes.EntityType) []datatypes.ObservedEntity {
	cutoff := c.now().Add(-c.policy.EntityHistoryTTL)
	var out []datatypes.ObservedEntity
	for i := len(c.entityHistory) - 1; i >= 0; i-- {
		obs := c.entityHistory[i]
		if obs.Entity.Type != t {
			continue
		}
		if c.policy.EntityHistoryTTL > 0 && obs.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, obs)
	}
	return out
}

// RecordIntent appends a classified intent to the bounded intent history.
func (c *Context) RecordIntent(intent datatypes.IntentResult) {
	c.intentHistory = append(c.intentHistory, *intent.Clone())
	if len(c.intentHistory) > maxIntentHistory {
		c.intentHistory = c.intentHistory[len(c.intentHistory)-maxIntentHistory:]
	}
}

// LastIntent returns the most recent intent. Implements
// intent.ContextReader.
func (c *Context) LastIntent() (datatypes.IntentResult, bool) {
	if len(c.intentHistory) == 0 {
		return datatypes.IntentResult{}, false
	}
	return *c.intentHistory[len(c.intentHistory)-1].Clone(), true
}

// Turn returns the current turn index (user messages seen). Implements
// intent.ContextReader.
func (c *Context) Turn() int { return c.turn }

// snapshot is the archived representation of a conversation.
type snapshot struct {
	ID            string                     `json:"id"`
	UserID        string                     `json:"user_id"`
	ServerID      string                     `json:"server_id,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	LastActive    time.Time                  `json:"last_active"`
	Turn          int                        `json:"turn"`
	Messages      []datatypes.Message        `json:"messages"`
	EntityHistory []datatypes.ObservedEntity `json:"entity_history,omitempty"`
	IntentHistory []datatypes.IntentResult   `json:"intent_history,omitempty"`
}

func (c *Context) toSnapshot() snapshot {
	return snapshot{
		ID:            c.ID,
		UserID:        c.UserID,
		ServerID:      c.ServerID,
		CreatedAt:     c.CreatedAt,
		LastActive:    c.LastActive,
		Turn:          c.turn,
		Messages:      c.Messages(),
		EntityHistory: append([]datatypes.ObservedEntity(nil), c.entityHistory...),
		IntentHistory: append([]datatypes.IntentResult(nil), c.intentHistory...),
	}
}
