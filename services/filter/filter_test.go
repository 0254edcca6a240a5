// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/baller/services/llm"
	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// classifierFake returns a scripted reply or error and records the rendered
// prompt it was called with.
type classifierFake struct {
	reply    string
	err      error
	messages []datatypes.Message
	calls    int
}

func (c *classifierFake) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (llm.ChatResult, error) {
	c.calls++
	c.messages = messages
	if c.err != nil {
		return llm.ChatResult{}, c.err
	}
	return llm.ChatResult{Content: c.reply}, nil
}

func (c *classifierFake) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	return errors.New("not used")
}

func (c *classifierFake) Provider() string { return "anthropic" }

func TestCheck_RelevantVerdict(t *testing.T) {
	fake := &classifierFake{reply: "YES\nAsks about Premier League standings."}
	f := NewContentFilter(fake, nil, nil)

	res, err := f.Check(context.Background(), "How is Arsenal doing?")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Relevant {
		t.Error("Relevant = false, want true")
	}
	if res.Confidence != cleanVerdictConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, cleanVerdictConfidence)
	}
	if res.Explanation != "Asks about Premier League standings." {
		t.Errorf("Explanation = %q", res.Explanation)
	}
	if fake.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", fake.calls)
	}
}

func TestCheck_RejectsOffTopic(t *testing.T) {
	fake := &classifierFake{reply: "NO\nAsks about cryptocurrency prices."}
	f := NewContentFilter(fake, nil, nil)

	res, err := f.Check(context.Background(), "What is bitcoin worth?")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Relevant {
		t.Error("Relevant = true, want false")
	}
	if res.Explanation != "Asks about cryptocurrency prices." {
		t.Errorf("Explanation = %q", res.Explanation)
	}
}

func TestCheck_VerdictSynonyms(t *testing.T) {
	cases := []struct {
		reply string
		want  bool
	}{
		{"yes", true},
		{"Yes.", true},
		{"TRUE\nbecause", true},
		{"relevant\nfootball topic", true},
		{"no", false},
		{"Not relevant\noff topic", false},
		{"FALSE", false},
	}
	for _, tc := range cases {
		fake := &classifierFake{reply: tc.reply}
		f := NewContentFilter(fake, nil, nil)
		res, _ := f.Check(context.Background(), "msg")
		if res.Relevant != tc.want {
			t.Errorf("reply %q: Relevant = %v, want %v", tc.reply, res.Relevant, tc.want)
		}
	}
}

func TestCheck_FailsClosedOnClassifierError(t *testing.T) {
	fake := &classifierFake{err: errors.New("upstream unavailable")}
	f := NewContentFilter(fake, nil, nil)

	res, err := f.Check(context.Background(), "Who won the derby?")
	if err != nil {
		t.Fatalf("Check() error = %v, want nil (fail-closed folds errors into the result)", err)
	}
	if res.Relevant {
		t.Error("Relevant = true on classifier error, want fail-closed false")
	}
	if res.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", res.Confidence)
	}
}

func TestCheck_FailsClosedOnUnparseableVerdict(t *testing.T) {
	fake := &classifierFake{reply: "I think maybe it could be about sports?"}
	f := NewContentFilter(fake, nil, nil)

	res, err := f.Check(context.Background(), "hmm")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Relevant {
		t.Error("Relevant = true on unparseable verdict, want false")
	}
}

func TestCheck_DegradedConfidenceOnExtraLines(t *testing.T) {
	fake := &classifierFake{reply: "YES\nAbout football.\nAlso, here is a poem about goalkeeping."}
	f := NewContentFilter(fake, nil, nil)

	res, _ := f.Check(context.Background(), "goalkeeper stats?")
	if !res.Relevant {
		t.Fatal("Relevant = false, want true")
	}
	if res.Confidence != degradedVerdictConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, degradedVerdictConfidence)
	}
}

func TestCheck_PromptCarriesUserMessage(t *testing.T) {
	fake := &classifierFake{reply: "YES\nok"}
	f := NewContentFilter(fake, nil, nil)

	_, _ = f.Check(context.Background(), "When does Liverpool play next?")

	var found bool
	for _, m := range fake.messages {
		if m.Role == datatypes.RoleUser && strings.Contains(m.Content, "When does Liverpool play next?") {
			found = true
		}
	}
	if !found {
		t.Error("rendered prompt does not carry the user's message")
	}
}
