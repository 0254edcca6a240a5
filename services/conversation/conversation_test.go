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
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

func testPolicy() Policy {
	return Policy{
		IdleAfter:        10 * time.Minute,
		ExpireAfter:      30 * time.Minute,
		MessageWindow:    50,
		EntityHistoryTTL: time.Hour,
	}
}

func TestContext_AppendRoundTrip(t *testing.T) {
	c := NewContext("conv-1", "user-1", "server-1", testPolicy())

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "How did Chelsea do?", Timestamp: ts})
	c.Append(datatypes.Message{Role: datatypes.RoleAssistant, Content: "They won 2-0."})

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != datatypes.RoleUser || msgs[0].Content != "How did Chelsea do?" || !msgs[0].Timestamp.Equal(ts) {
		t.Errorf("round-trip mismatch: %+v", msgs[0])
	}
	if msgs[1].Role != datatypes.RoleAssistant {
		t.Errorf("second message = %+v", msgs[1])
	}

	if got, ok := c.LastUserMessage(); !ok || got != "How did Chelsea do?" {
		t.Errorf("LastUserMessage() = %q, %v", got, ok)
	}
	if got, ok := c.LastAssistantMessage(); !ok || got != "They won 2-0." {
		t.Errorf("LastAssistantMessage() = %q, %v", got, ok)
	}
}

func TestContext_AppendDetachesTimings(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())

	timings := map[string]time.Duration{"filter": 3 * time.Millisecond}
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "hello", Timings: timings})

	// The caller keeps mutating its map after the append.
	timings["generate"] = time.Second
	timings["filter"] = time.Hour

	got := c.Messages()[0].Timings
	if len(got) != 1 || got["filter"] != 3*time.Millisecond {
		t.Errorf("Timings = %v, want the values at append time", got)
	}
}

func TestContext_AnnotateLastUserTimings(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "score?"})
	c.Append(datatypes.Message{Role: datatypes.RoleAssistant, Content: "2-1."})

	timings := map[string]time.Duration{
		"filter":   time.Millisecond,
		"generate": 40 * time.Millisecond,
	}
	c.AnnotateLastUserTimings(timings)
	timings["generate"] = time.Hour

	msgs := c.Messages()
	if msgs[1].Timings != nil {
		t.Errorf("assistant Timings = %v, want nil", msgs[1].Timings)
	}
	if got := msgs[0].Timings; len(got) != 2 || got["generate"] != 40*time.Millisecond {
		t.Errorf("user Timings = %v, want the values at annotation time", got)
	}
}

func TestContext_WindowDropsOldest(t *testing.T) {
	policy := testPolicy()
	policy.MessageWindow = 4
	c := NewContext("conv-1", "user-1", "", policy)

	for i := 0; i < 10; i++ {
		c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: fmt.Sprintf("message %d", i)})
	}

	msgs := c.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len(Messages()) = %d, want 4", len(msgs))
	}
	if msgs[0].Content != "message 6" || msgs[3].Content != "message 9" {
		t.Errorf("window = [%s .. %s], want [message 6 .. message 9]", msgs[0].Content, msgs[3].Content)
	}
}

func TestContext_MessagesOrderedByArrival(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())
	for i := 0; i < 20; i++ {
		c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	msgs := c.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
}

func TestContext_StateTransitions(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.LastActive = base

	tests := []struct {
		elapsed time.Duration
		want    State
	}{
		{time.Minute, StateActive},
		{10*time.Minute - time.Second, StateActive},
		{11 * time.Minute, StateIdle},
		{30*time.Minute - time.Second, StateIdle},
		{31 * time.Minute, StateExpired},
		{24 * time.Hour, StateExpired},
	}
	for _, tt := range tests {
		c.now = func() time.Time { return base.Add(tt.elapsed) }
		if got := c.State(); got != tt.want {
			t.Errorf("State() after %v = %q, want %q", tt.elapsed, got, tt.want)
		}
	}
}

func TestContext_AppendReactivates(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.LastActive = base
	c.now = func() time.Time { return base.Add(15 * time.Minute) }

	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %q, want idle", got)
	}
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "hello again"})
	if got := c.State(); got != StateActive {
		t.Errorf("State() after append = %q, want active", got)
	}
}

func TestContext_ObservedEntitiesMostRecentFirst(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())

	chelsea := datatypes.Entity{Type: datatypes.EntityTeam, ID: "61", Name: "Chelsea FC"}
	arsenal := datatypes.Entity{Type: datatypes.EntityTeam, ID: "57", Name: "Arsenal FC"}

	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "chelsea?"})
	c.ObserveEntities([]datatypes.Entity{chelsea}, []float64{0.95})
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "arsenal?"})
	c.ObserveEntities([]datatypes.Entity{arsenal}, []float64{0.85})

	obs := c.ObservedEntities(datatypes.EntityTeam)
	if len(obs) != 2 {
		t.Fatalf("len(obs) = %d, want 2", len(obs))
	}
	if obs[0].Entity.ID != "57" || obs[1].Entity.ID != "61" {
		t.Errorf("order = [%s, %s], want most recent first", obs[0].Entity.ID, obs[1].Entity.ID)
	}
	if obs[0].Turn != 2 || obs[1].Turn != 1 {
		t.Errorf("turns = [%d, %d], want [2, 1]", obs[0].Turn, obs[1].Turn)
	}
	if obs[1].Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", obs[1].Confidence)
	}
}

func TestContext_ObservedEntitiesExpire(t *testing.T) {
	policy := testPolicy()
	policy.EntityHistoryTTL = time.Hour
	c := NewContext("conv-1", "user-1", "", policy)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.ObserveEntities([]datatypes.Entity{{Type: datatypes.EntityTeam, ID: "61", Name: "Chelsea FC"}}, []float64{0.95})

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	if obs := c.ObservedEntities(datatypes.EntityTeam); len(obs) != 0 {
		t.Errorf("obs = %+v, want expired history dropped", obs)
	}
}

func TestContext_IntentHistoryBounded(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())

	for i := 0; i < 8; i++ {
		c.RecordIntent(datatypes.IntentResult{Name: fmt.Sprintf("intent_%d", i), Confidence: 0.7})
	}
	if len(c.intentHistory) != maxIntentHistory {
		t.Fatalf("intent history = %d, want %d", len(c.intentHistory), maxIntentHistory)
	}
	last, ok := c.LastIntent()
	if !ok || last.Name != "intent_7" {
		t.Errorf("LastIntent() = %+v, %v", last, ok)
	}
}

func TestContext_MessagesReturnsCopy(t *testing.T) {
	c := NewContext("conv-1", "user-1", "", testPolicy())
	c.Append(datatypes.Message{Role: datatypes.RoleUser, Content: "original"})

	msgs := c.Messages()
	msgs[0].Content = "mutated"

	if got := c.Messages()[0].Content; got != "original" {
		t.Errorf("history mutated through returned slice: %q", got)
	}
}
