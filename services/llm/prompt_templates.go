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
	"fmt"
	"strings"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// ProviderKind tags the wire format a template renders for.
//
// Rendering dispatches over this tag through one interface; there is no
// per-provider template subclassing.
type ProviderKind string

// Supported provider kinds.
const (
	// KindOpenAI covers OpenAI-compatible chat APIs, including Deepseek.
	KindOpenAI ProviderKind = "openai"
	// KindAnthropic covers the Anthropic Messages API.
	KindAnthropic ProviderKind = "anthropic"
	// KindGeneric folds the system prompt into the first user message for
	// providers without a native system channel.
	KindGeneric ProviderKind = "generic"
)

// Template IDs registered by default.
const (
	TemplateConversation   = "football_conversation"
	TemplateRelevanceCheck = "relevance_check"
	TemplateEvaluation     = "response_evaluation"
)

// TemplateInput carries the structured inputs a template renders from.
// Unused fields are ignored by templates that do not need them.
type TemplateInput struct {
	// UserMessage is the message being answered, checked, or evaluated.
	UserMessage string

	// ContextData is serialized domain data fetched for the intent.
	ContextData string

	// APIContext describes data API status or errors worth surfacing.
	APIContext string

	// PreferencesContext describes the user's followed teams and leagues.
	PreferencesContext string

	// History is prior conversation turns, oldest first.
	History []datatypes.Message

	// BotResponse is the response under evaluation (TemplateEvaluation).
	BotResponse string
}

// Template renders a prompt for a provider kind.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Template interface {
	// ID returns the registry key.
	ID() string

	// Render produces the message sequence for the given provider kind.
	Render(kind ProviderKind, in TemplateInput) []datatypes.Message
}

// Registry holds prompt templates by id.
//
// Description:
//
//	An explicit owned registry, constructed at startup and injected into
//	the components that render prompts, with no ambient package state.
//
// Thread Safety: Safe for concurrent reads after construction. Register
// is not safe to call concurrently with Get.
type Registry struct {
	templates map[string]Template
}

// NewRegistry creates a registry pre-populated with the default templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	r.Register(conversationTemplate{})
	r.Register(relevanceCheckTemplate{})
	r.Register(evaluationTemplate{})
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t Template) {
	r.templates[t.ID()] = t
}

// Get returns the template for id.
func (r *Registry) Get(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("llm: template %q not found", id)
	}
	return t, nil
}

// render assembles the final message sequence for a provider kind from a
// system prompt, prior history, and the final user turn.
func render(kind ProviderKind, system string, history []datatypes.Message, user string) []datatypes.Message {
	system = strings.TrimSpace(system)
	user = strings.TrimSpace(user)

	var out []datatypes.Message
	switch kind {
	case KindGeneric:
		// No native system channel: prepend the system prompt to the user
		// turn.
		if system != "" {
			user = system + "\n\n" + user
		}
	default:
		// KindOpenAI and KindAnthropic both accept a leading system
		// message; the Anthropic client lifts it into top-level system
		// blocks on the wire.
		if system != "" {
			out = append(out, datatypes.Message{Role: datatypes.RoleSystem, Content: system})
		}
	}

	for _, m := range history {
		if m.Role == datatypes.RoleUser || m.Role == datatypes.RoleAssistant {
			out = append(out, datatypes.Message{Role: m.Role, Content: m.Content})
		}
	}
	return append(out, datatypes.Message{Role: datatypes.RoleUser, Content: user})
}

// conversationTemplate renders the main answer-generation prompt.
type conversationTemplate struct{}

func (conversationTemplate) ID() string { return TemplateConversation }

func (conversationTemplate) Render(kind ProviderKind, in TemplateInput) []datatypes.Message {
	var sb strings.Builder
	sb.WriteString(`You are a helpful football assistant. You have access to football data
provided by the football-data API. Respond conversationally to user queries about football
matches, leagues, teams, and players based on the data provided.`)
	if in.APIContext != "" {
		sb.WriteString("\n\n")
		sb.WriteString(in.APIContext)
	}
	if in.PreferencesContext != "" {
		sb.WriteString("\n\n")
		sb.WriteString(in.PreferencesContext)
	}

	user := in.UserMessage
	if in.ContextData != "" {
		user = fmt.Sprintf("Here is the relevant football data: %s\n\nUser question: %s", in.ContextData, in.UserMessage)
	} else {
		user = "User question: " + in.UserMessage
	}
	return render(kind, sb.String(), in.History, user)
}

// relevanceCheckTemplate renders the content-filter classification prompt.
//
// The model must answer YES or NO on the first line and a brief
// explanation on the second; the filter parses exactly that shape.
type relevanceCheckTemplate struct{}

func (relevanceCheckTemplate) ID() string { return TemplateRelevanceCheck }

func (relevanceCheckTemplate) Render(kind ProviderKind, in TemplateInput) []datatypes.Message {
	system := `You are a football/soccer relevance detection system. Your job is to determine if a
user's message is relevant to football/soccer topics.

Respond with only:
YES or NO on the first line
A very brief explanation on the second line

Examples of relevant topics:
- Teams, players, matches, leagues, scores
- Football history, rules, events
- Sports statistics related to football
- Transfer news, football management
- Football gaming (FIFA, Football Manager, etc.)

Examples of irrelevant topics:
- Other sports not related to football/soccer
- Completely unrelated topics (politics, movies, etc.)
- Personal questions not related to football
- Technical support unrelated to football
- Anything inappropriate or NSFW that may be related to football/soccer`
	return render(kind, system, nil, in.UserMessage)
}

// evaluationTemplate renders the sampled quality-evaluation prompt.
//
// Scores come back as "criterion: N" lines, one per criterion, each N in
// 0-10; the sampler parses that shape.
type evaluationTemplate struct{}

func (evaluationTemplate) ID() string { return TemplateEvaluation }

func (evaluationTemplate) Render(kind ProviderKind, in TemplateInput) []datatypes.Message {
	system := `You are a response quality evaluator for a football assistant.
Score the assistant's response against each criterion from 0 (worst) to 10 (best).

Respond with exactly three lines, nothing else:
relevance: <0-10>
correctness: <0-10>
tone: <0-10>`

	var sb strings.Builder
	sb.WriteString("User message:\n")
	sb.WriteString(in.UserMessage)
	if in.ContextData != "" {
		sb.WriteString("\n\nData available to the assistant:\n")
		sb.WriteString(in.ContextData)
	}
	sb.WriteString("\n\nAssistant response:\n")
	sb.WriteString(in.BotResponse)
	return render(kind, system, nil, sb.String())
}

// KindForProvider maps a provider name to its prompt wire format.
func KindForProvider(provider string) ProviderKind {
	switch provider {
	case "anthropic":
		return KindAnthropic
	case "deepseek", "openai":
		return KindOpenAI
	default:
		return KindGeneric
	}
}
