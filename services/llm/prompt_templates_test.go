// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"strings"
	"testing"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

func TestRegistry_DefaultTemplates(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{TemplateConversation, TemplateRelevanceCheck, TemplateEvaluation} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("Get(%q) error = %v", id, err)
		}
	}
	if _, err := r.Get("no_such_template"); err == nil {
		t.Error("Get(unknown) expected error, got nil")
	}
}

func TestConversationTemplate_IncludesDataAndHistory(t *testing.T) {
	r := NewRegistry()
	tmpl, err := r.Get(TemplateConversation)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	msgs := tmpl.Render(KindOpenAI, TemplateInput{
		UserMessage: "Who tops the table?",
		ContextData: `{"standings":[{"team":"Arsenal","position":1}]}`,
		History: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: "Hi"},
			{Role: datatypes.RoleAssistant, Content: "Hello! Ask me about football."},
			{Role: datatypes.RoleSystem, Content: "internal note"},
		},
		PreferencesContext: "The user follows Arsenal.",
	})

	if msgs[0].Role != datatypes.RoleSystem {
		t.Fatalf("first message role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "football assistant") {
		t.Errorf("system prompt missing persona: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "follows Arsenal") {
		t.Errorf("system prompt missing preferences context: %q", msgs[0].Content)
	}

	// History keeps user/assistant turns only; stray system turns drop.
	for _, m := range msgs[1 : len(msgs)-1] {
		if m.Role == datatypes.RoleSystem {
			t.Errorf("history leaked a system turn: %+v", m)
		}
	}

	last := msgs[len(msgs)-1]
	if last.Role != datatypes.RoleUser {
		t.Fatalf("last message role = %q, want user", last.Role)
	}
	if !strings.Contains(last.Content, "relevant football data") ||
		!strings.Contains(last.Content, "Who tops the table?") {
		t.Errorf("final user turn missing data or question: %q", last.Content)
	}
}

func TestConversationTemplate_GenericFoldsSystem(t *testing.T) {
	r := NewRegistry()
	tmpl, _ := r.Get(TemplateConversation)

	msgs := tmpl.Render(KindGeneric, TemplateInput{UserMessage: "Next Chelsea match?"})
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 for generic rendering", len(msgs))
	}
	if msgs[0].Role != datatypes.RoleUser {
		t.Errorf("role = %q, want user", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "football assistant") ||
		!strings.Contains(msgs[0].Content, "Next Chelsea match?") {
		t.Errorf("generic rendering must fold system into the user turn: %q", msgs[0].Content)
	}
}

func TestRelevanceCheckTemplate_Shape(t *testing.T) {
	r := NewRegistry()
	tmpl, _ := r.Get(TemplateRelevanceCheck)

	msgs := tmpl.Render(KindAnthropic, TemplateInput{UserMessage: "Tell me about quantum physics"})
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want system + user", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "YES or NO on the first line") {
		t.Errorf("system prompt missing the verdict contract: %q", msgs[0].Content)
	}
	if msgs[1].Content != "Tell me about quantum physics" {
		t.Errorf("user turn = %q", msgs[1].Content)
	}
}

func TestEvaluationTemplate_IncludesResponse(t *testing.T) {
	r := NewRegistry()
	tmpl, _ := r.Get(TemplateEvaluation)

	msgs := tmpl.Render(KindOpenAI, TemplateInput{
		UserMessage: "Who won the derby?",
		ContextData: `{"score":"2-1"}`,
		BotResponse: "United won the derby 2-1.",
	})
	last := msgs[len(msgs)-1]
	for _, want := range []string{"Who won the derby?", `{"score":"2-1"}`, "United won the derby 2-1."} {
		if !strings.Contains(last.Content, want) {
			t.Errorf("evaluation prompt missing %q", want)
		}
	}
	if !strings.Contains(msgs[0].Content, "relevance: <0-10>") {
		t.Errorf("evaluation system prompt missing score contract: %q", msgs[0].Content)
	}
}

func TestKindForProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     ProviderKind
	}{
		{"anthropic", KindAnthropic},
		{"deepseek", KindOpenAI},
		{"openai", KindOpenAI},
		{"something-else", KindGeneric},
	}
	for _, tt := range tests {
		if got := KindForProvider(tt.provider); got != tt.want {
			t.Errorf("KindForProvider(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}
