// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire and domain types shared across Baller
// services. It has no dependencies on other Baller packages so any service
// can import it without cycles.
package datatypes

import (
	"time"
)

// Role constants for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation turn.
//
// Description:
//
//	A Message is immutable once appended to a conversation: callers receive
//	copies, never pointers into the conversation's backing slice. The
//	processing fields (Verdict, Intent, Entities, Timings) are populated by
//	the pipeline before the append and are nil/zero for assistant turns.
type Message struct {
	// Role is one of RoleUser, RoleAssistant, RoleSystem.
	Role string `json:"role"`

	// Content is the raw message text.
	Content string `json:"content"`

	// Timestamp is the arrival time of the message.
	Timestamp time.Time `json:"timestamp"`

	// Verdict is the content-filter outcome for user messages. Nil for
	// assistant messages and for messages appended before filtering.
	Verdict *RelevanceVerdict `json:"verdict,omitempty"`

	// Intent is the resolved intent for user messages, if any.
	Intent *IntentResult `json:"intent,omitempty"`

	// Entities are the entities resolved from this message, if any.
	Entities []Entity `json:"entities,omitempty"`

	// Timings is the per-stage processing duration breakdown
	// (e.g. "filter", "intent", "fetch", "generate").
	Timings map[string]time.Duration `json:"timings,omitempty"`
}

// RelevanceVerdict is the outcome of the content filter for one message.
type RelevanceVerdict struct {
	Relevant    bool    `json:"relevant"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// EntityType classifies a domain reference object.
type EntityType string

// Entity types extracted from user messages.
const (
	EntityTeam        EntityType = "team"
	EntityCompetition EntityType = "competition"
	EntityPlayer      EntityType = "player"
	EntityTimeframe   EntityType = "timeframe"
	EntityStatus      EntityType = "status"
	EntityVenue       EntityType = "venue"
	EntityLimit       EntityType = "limit"
)

// Entity is a domain reference object (team, competition, ...) resolvable
// by name or id.
//
// Description:
//
//	Entities are shared by cache readers and must be treated as read-only
//	after publication; the cache replaces entries wholesale on refresh
//	rather than mutating them in place.
type Entity struct {
	// Type classifies the entity.
	Type EntityType `json:"type"`

	// ID is the upstream API identifier ("2021" for Premier League).
	// May be empty for entities that have no backing resource (timeframes).
	ID string `json:"id,omitempty"`

	// Name is the canonical display name ("Chelsea FC").
	Name string `json:"name"`

	// NormalizedName is the lowercase, trimmed lookup key ("chelsea fc").
	// Unique within an entity type.
	NormalizedName string `json:"normalized_name"`

	// Aliases are alternate lookup names ("chelsea", "cfc", "the blues").
	Aliases []string `json:"aliases,omitempty"`

	// Metadata carries upstream fields that do not warrant first-class
	// representation (tla, shortName, date_from, date_to, ...).
	Metadata map[string]string `json:"metadata,omitempty"`

	// LastUpdated is when the entity was last refreshed from the backing
	// store.
	LastUpdated time.Time `json:"last_updated"`
}

// IntentResult is the classified purpose of a message, mapped to a
// data-retrieval resource and parameters. Ephemeral, derived per message.
type IntentResult struct {
	// Name is the intent identifier ("get_standings", "match_result", ...).
	Name string `json:"name"`

	// Confidence is the classifier confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Resource is the data API resource identifier suitable for passing to
	// the sports client ("/v4/competitions/{id}/standings").
	Resource string `json:"resource,omitempty"`

	// Params are the extracted call parameters
	// (competition_id, team_id, date_from, date_to, status, ...).
	Params map[string]string `json:"params,omitempty"`

	// LowConfidence marks an intent that fell below the resolution
	// threshold and was produced by the keyword fallback heuristic.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// ObservedEntity records one sighting of an entity in a conversation's
// history, for confidence-decayed carry-over into later turns.
type ObservedEntity struct {
	// Entity is the resolved entity as observed.
	Entity Entity `json:"entity"`

	// Turn is the conversation turn index at which it was observed.
	Turn int `json:"turn"`

	// Confidence is the extraction confidence at observation time, before
	// any decay.
	Confidence float64 `json:"confidence"`

	// ObservedAt is the wall-clock time of the observation.
	ObservedAt time.Time `json:"observed_at"`
}

// Clone returns a deep copy of the IntentResult.
func (r *IntentResult) Clone() *IntentResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Params != nil {
		out.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	return &out
}

// CloneEntity returns a deep copy of an Entity.
func CloneEntity(e Entity) Entity {
	out := e
	if e.Aliases != nil {
		out.Aliases = append([]string(nil), e.Aliases...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
